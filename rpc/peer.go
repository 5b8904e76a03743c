package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lightwallet/wire"
)

// inboundState mirrors spec section 4.3's inbound task state machine.
type inboundState int32

const (
	stateRunning inboundState = iota
	stateClosing
	stateTerminated
)

// eventChanCapacity is the bounded unsolicited-event channel size.
const eventChanCapacity = 32

// Peer owns one TLS WebSocket connection, drives an inbound
// demultiplex task, and exposes typed send/request operations plus a
// stream of unsolicited events.
type Peer struct {
	conn   *websocket.Conn
	addr   string
	peerID [32]byte

	writeMu sync.Mutex

	requests *RequestMap
	events   chan wire.Message

	state              atomic.Int32
	unexpectedMessages atomic.Int64
	cancel             context.CancelFunc
	done               chan struct{}

	log *logrus.Entry
}

// Dial establishes a TLS WebSocket connection to addr (host:port) at
// wss://<addr>/ws and wraps it as a Peer.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, log *logrus.Logger) (*Peer, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("wss://%s/ws", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w: %v", addr, ErrTransport, err)
	}
	return NewPeer(conn, addr, log)
}

// NewPeer constructs a Peer from an already-established WebSocket
// connection. The connection must be TLS-secured so the peer's
// certificate can be hashed into a PeerId; conn.UnderlyingConn() must
// therefore be a *tls.Conn with at least one peer certificate, or
// construction fails with ErrMissingCertificate. Whether that
// certificate was verified is decided by the TLS config, not here.
func NewPeer(conn *websocket.Conn, addr string, log *logrus.Logger) (*Peer, error) {
	tlsConn, ok := conn.UnderlyingConn().(*tls.Conn)
	if !ok {
		return nil, ErrMissingCertificate
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrMissingCertificate
	}

	peerID := sha256.Sum256(certs[0].Raw)

	if log == nil {
		log = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Peer{
		conn:     conn,
		addr:     addr,
		peerID:   peerID,
		requests: NewRequestMap(),
		events:   make(chan wire.Message, eventChanCapacity),
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      log.WithField("peer_id", fmt.Sprintf("%x", peerID)),
	}
	p.state.Store(int32(stateRunning))

	go p.inboundLoop(ctx)

	return p, nil
}

// PeerID returns the SHA-256 hash of the peer's presented TLS
// certificate, stable for the lifetime of the connection.
func (p *Peer) PeerID() [32]byte { return p.peerID }

// PeerIDHex renders PeerID as lowercase hex.
func (p *Peer) PeerIDHex() string { return fmt.Sprintf("%x", p.peerID) }

// Addr is the network address (host:port) this peer was dialed or
// accepted at.
func (p *Peer) Addr() string { return p.addr }

// UnexpectedMessageCount reports how many inbound messages carried a
// correlation id with no live RequestMap slot (late responses to an
// evicted request, or a genuine protocol violation). Non-fatal; the
// connection keeps running regardless.
func (p *Peer) UnexpectedMessageCount() int64 { return p.unexpectedMessages.Load() }

// Events delivers unsolicited, id-absent inbound messages in arrival
// order. The channel is closed once the peer is torn down.
func (p *Peer) Events() <-chan wire.Message { return p.events }

// Send writes a one-way message: no response is expected or tracked.
func (p *Peer) Send(kind wire.Kind, payload []byte) error {
	return p.writeFrame(wire.Message{Kind: kind, ID: nil, Payload: payload})
}

// RequestRaw allocates a correlation id, parks a response slot, writes
// the framed request, and awaits the matching inbound message. If ctx
// is canceled before a response arrives (the normal path for
// WalletSync's timeout wrappers), the slot is evicted and ctx's error
// is returned. If the peer's real response for that id arrives after
// eviction, the inbound loop finds no live slot for it: it counts and
// logs the message as an UnexpectedMessageError and moves on, exactly
// as it would for a genuine protocol violation it can't otherwise
// distinguish this from. That message is dropped, but the transport
// stays up and every other in-flight request on this Peer is
// unaffected.
func (p *Peer) RequestRaw(ctx context.Context, kind wire.Kind, payload []byte) (wire.Message, error) {
	sink := make(chan wire.Message, 1)
	id := p.requests.Insert(sink)

	if err := p.writeFrame(wire.Message{Kind: kind, ID: &id, Payload: payload}); err != nil {
		p.requests.Evict(id)
		return wire.Message{}, err
	}

	select {
	case msg, ok := <-sink:
		if !ok {
			return wire.Message{}, ErrPeerDropped
		}
		return msg, nil
	case <-ctx.Done():
		p.requests.Evict(id)
		return wire.Message{}, ctx.Err()
	}
}

// RequestInfallible sends body under kind and expects exactly wantKind
// back, decoding its payload with decode. T's schema itself is an
// external collaborator; decode is supplied by the caller.
func RequestInfallible[T any](ctx context.Context, p *Peer, kind wire.Kind, payload []byte, wantKind wire.Kind, decode func([]byte) (T, error)) (T, error) {
	var zero T
	msg, err := p.RequestRaw(ctx, kind, payload)
	if err != nil {
		return zero, err
	}
	if msg.Kind != wantKind {
		return zero, &InvalidResponseError{Expected: []wire.Kind{wantKind}, Got: msg.Kind}
	}
	return decode(msg.Payload)
}

// Fallible holds the outcome of RequestFallible: exactly one of OK or
// Rejected is non-nil.
type Fallible[T, E any] struct {
	OK       *T
	Rejected *E
}

// RequestFallible sends body under kind and accepts either okKind (the
// success response) or rejectKind (a typed rejection); any other
// response kind is InvalidResponse.
func RequestFallible[T, E any](ctx context.Context, p *Peer, kind wire.Kind, payload []byte, okKind, rejectKind wire.Kind, decodeOK func([]byte) (T, error), decodeReject func([]byte) (E, error)) (Fallible[T, E], error) {
	msg, err := p.RequestRaw(ctx, kind, payload)
	if err != nil {
		return Fallible[T, E]{}, err
	}
	switch msg.Kind {
	case okKind:
		v, err := decodeOK(msg.Payload)
		if err != nil {
			return Fallible[T, E]{}, err
		}
		return Fallible[T, E]{OK: &v}, nil
	case rejectKind:
		v, err := decodeReject(msg.Payload)
		if err != nil {
			return Fallible[T, E]{}, err
		}
		return Fallible[T, E]{Rejected: &v}, nil
	default:
		return Fallible[T, E]{}, &InvalidResponseError{Expected: []wire.Kind{okKind, rejectKind}, Got: msg.Kind}
	}
}

// writeFrame serializes and writes msg under the send half's exclusive
// write lock; reads are driven solely by the inbound task.
func (p *Peer) writeFrame(msg wire.Message) error {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if inboundState(p.state.Load()) == stateTerminated {
		return ErrPeerDropped
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return fmt.Errorf("rpc: write frame: %w: %v", ErrTransport, err)
	}
	return nil
}

// Close aborts the inbound task and closes the underlying socket. It
// is the only cancellation path for the connection as a whole;
// individual request waiters are canceled independently via their own
// context.
func (p *Peer) Close() error {
	p.cancel()
	err := p.conn.Close()
	<-p.done
	return err
}

func (p *Peer) inboundLoop(ctx context.Context) {
	defer p.teardown()

	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.log.WithError(err).Debug("inbound loop: connection closed")
			return
		}

		switch msgType {
		case websocket.TextMessage:
			p.log.Warnf("received unexpected text message: %q", data)

		case websocket.BinaryMessage:
			msg, err := wire.Decode(data)
			if err != nil {
				p.log.WithError(err).Error("inbound loop: malformed frame, terminating")
				return
			}

			if msg.ID == nil {
				select {
				case p.events <- msg:
				default:
					p.log.Error("inbound loop: unsolicited event channel full, terminating")
					return
				}
				continue
			}

			sink := p.requests.Remove(*msg.ID)
			if sink == nil {
				// No live slot for this id: either the request was
				// already evicted on timeout/cancellation and this is
				// its late response, or the peer sent an id we never
				// allocated. Either way we can't tell the two apart
				// and neither is a reason to tear down every other
				// in-flight request on this connection, so this is
				// discard-and-continue, not fatal.
				p.unexpectedMessages.Add(1)
				p.log.WithError(&UnexpectedMessageError{Kind: msg.Kind}).
					Warnf("inbound loop: message with untracked id %d", *msg.ID)
				continue
			}
			sink <- msg

		default:
			// Ping/Pong/Close are handled by gorilla's default
			// control-frame handlers before reaching ReadMessage's
			// return value as a data frame; nothing else to do here.
		}
	}
}

// teardown transitions to Terminated, closes the RequestMap (every
// live slot observes ErrPeerDropped) and the events channel, and
// releases the done signal for Close to observe.
func (p *Peer) teardown() {
	p.state.Store(int32(stateTerminated))
	p.requests.CloseAll()
	close(p.events)
	close(p.done)
}
