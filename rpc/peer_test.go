package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lightwallet/wire"
)

// mockServer upgrades every incoming connection to a WebSocket and
// exposes its underlying *websocket.Conn for the test to drive
// directly, playing the role of the Rust original's mock peer.
type mockServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newMockServer() *mockServer {
	m := &mockServer{connCh: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.connCh <- conn
	})
	m.srv = httptest.NewTLSServer(mux)
	return m
}

func (m *mockServer) dialAddr() string {
	return strings.TrimPrefix(m.srv.URL, "https://")
}

func (m *mockServer) acceptConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-m.connCh:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil
	}
}

func (m *mockServer) close() { m.srv.Close() }

func dialTestPeer(t *testing.T, m *mockServer) *Peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Dial(ctx, m.dialAddr(), &tls.Config{InsecureSkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return p
}

func echoID(id uint16) *uint16 { return &id }

func TestOneShotRequestResponse(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	defer peer.Close()

	serverConn := m.acceptConn(t)
	defer serverConn.Close()

	go func() {
		_, data, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.Decode(data)
		if err != nil || req.Kind != wire.KindRequestPeers || req.ID == nil {
			return
		}
		resp, _ := wire.Encode(wire.Message{Kind: wire.KindRespondPeers, ID: req.ID, Payload: []byte{}})
		_ = serverConn.WriteMessage(websocket.BinaryMessage, resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := peer.RequestRaw(ctx, wire.KindRequestPeers, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if msg.Kind != wire.KindRespondPeers {
		t.Fatalf("expected RespondPeers, got %v", msg.Kind)
	}
	if len(msg.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", msg.Payload)
	}
	if peer.requests.Len() != 0 {
		t.Fatalf("expected slot to be removed, got %d live", peer.requests.Len())
	}

	select {
	case ev := <-peer.Events():
		t.Fatalf("expected no unsolicited event, got %v", ev)
	default:
	}
}

func TestFallibleRejection(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	defer peer.Close()

	serverConn := m.acceptConn(t)
	defer serverConn.Close()

	go func() {
		_, data, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.Decode(data)
		if err != nil {
			return
		}
		resp, _ := wire.Encode(wire.Message{Kind: wire.KindRejectPuzzleSolution, ID: req.ID, Payload: []byte("rejected")})
		_ = serverConn.WriteMessage(websocket.BinaryMessage, resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := RequestFallible[string, string](ctx, peer, wire.KindRequestPuzzleSolution, nil,
		wire.KindRespondPuzzleSolution, wire.KindRejectPuzzleSolution,
		func(b []byte) (string, error) { return string(b), nil },
		func(b []byte) (string, error) { return string(b), nil },
	)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result.OK != nil {
		t.Fatalf("expected rejection, got OK %q", *result.OK)
	}
	if result.Rejected == nil || *result.Rejected != "rejected" {
		t.Fatalf("expected rejection payload, got %v", result.Rejected)
	}
}

func TestUnsolicitedPush(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	defer peer.Close()

	serverConn := m.acceptConn(t)
	defer serverConn.Close()

	pushed, _ := wire.Encode(wire.Message{Kind: wire.KindCoinStateUpdate, ID: nil, Payload: []byte("coin-update")})
	if err := serverConn.WriteMessage(websocket.BinaryMessage, pushed); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case ev := <-peer.Events():
		if ev.Kind != wire.KindCoinStateUpdate || string(ev.Payload) != "coin-update" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unsolicited event")
	}

	if peer.requests.Len() != 0 {
		t.Fatalf("expected no RequestMap entries touched, got %d", peer.requests.Len())
	}
}

func TestStaleResponseAfterTimeoutDoesNotTearDownPeer(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	defer peer.Close()

	serverConn := m.acceptConn(t)
	defer serverConn.Close()

	reqIDs := make(chan uint16, 2)
	go func() {
		for i := 0; i < 2; i++ {
			_, data, err := serverConn.ReadMessage()
			if err != nil {
				return
			}
			req, err := wire.Decode(data)
			if err != nil || req.ID == nil {
				return
			}
			reqIDs <- *req.ID
		}
	}()

	// First request times out client-side before the server ever
	// replies; this evicts its RequestMap slot.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := peer.RequestRaw(shortCtx, wire.KindRequestPeers, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	var firstID uint16
	select {
	case firstID = <-reqIDs:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first request id")
	}

	// The peer's real (late) response for the evicted id arrives
	// after eviction. It must be discarded, not tear down the peer.
	late, _ := wire.Encode(wire.Message{Kind: wire.KindRespondPeers, ID: echoID(firstID), Payload: []byte{}})
	if err := serverConn.WriteMessage(websocket.BinaryMessage, late); err != nil {
		t.Fatalf("server write: %v", err)
	}

	// A second, independent request on the same Peer must still
	// succeed: the stale response above must not have killed the
	// connection or failed other in-flight/future requests.
	go func() {
		id := <-reqIDs
		resp, _ := wire.Encode(wire.Message{Kind: wire.KindRespondPeers, ID: echoID(id), Payload: []byte("ok")})
		_ = serverConn.WriteMessage(websocket.BinaryMessage, resp)
	}()

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	msg, err := peer.RequestRaw(ctx, wire.KindRequestPeers, nil)
	if err != nil {
		t.Fatalf("second request failed, peer was torn down: %v", err)
	}
	if string(msg.Payload) != "ok" {
		t.Fatalf("expected payload %q, got %q", "ok", msg.Payload)
	}

	// Give the inbound loop a moment to process the stale message
	// before asserting the counter (it's read concurrently above).
	deadline := time.Now().Add(2 * time.Second)
	for peer.UnexpectedMessageCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := peer.UnexpectedMessageCount(); got != 1 {
		t.Fatalf("expected UnexpectedMessageCount() == 1, got %d", got)
	}
}

func TestUntrackedIDIsNonFatal(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	defer peer.Close()

	serverConn := m.acceptConn(t)
	defer serverConn.Close()

	// An id the client never allocated; this is indistinguishable
	// from a late response to an evicted request, so it must be
	// discarded rather than tearing the peer down.
	bogus, _ := wire.Encode(wire.Message{Kind: wire.KindRespondPeers, ID: echoID(999), Payload: []byte{}})
	if err := serverConn.WriteMessage(websocket.BinaryMessage, bogus); err != nil {
		t.Fatalf("server write: %v", err)
	}

	go func() {
		_, data, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.Decode(data)
		if err != nil || req.ID == nil {
			return
		}
		resp, _ := wire.Encode(wire.Message{Kind: wire.KindRespondPeers, ID: req.ID, Payload: []byte("ok")})
		_ = serverConn.WriteMessage(websocket.BinaryMessage, resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := peer.RequestRaw(ctx, wire.KindRequestPeers, nil)
	if err != nil {
		t.Fatalf("request after untracked id: %v", err)
	}
	if string(msg.Payload) != "ok" {
		t.Fatalf("expected payload %q, got %q", "ok", msg.Payload)
	}

	if got := peer.UnexpectedMessageCount(); got != 1 {
		t.Fatalf("expected UnexpectedMessageCount() == 1, got %d", got)
	}
}

func TestPeerTeardownWithOutstandingRequests(t *testing.T) {
	m := newMockServer()
	defer m.close()

	peer := dialTestPeer(t, m)
	serverConn := m.acceptConn(t)

	const n = 3
	var wg sync.WaitGroup
	results := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := peer.RequestRaw(ctx, wire.KindRequestPeers, nil)
			results[i] = err
		}(i)
	}

	// Give the requests time to be parked before tearing down.
	time.Sleep(100 * time.Millisecond)
	_ = serverConn.Close()
	_ = peer.Close()

	wg.Wait()
	for i, err := range results {
		if !errors.Is(err, ErrPeerDropped) {
			t.Fatalf("request %d: expected ErrPeerDropped, got %v", i, err)
		}
	}
}
