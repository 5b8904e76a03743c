// Package wire implements the peer protocol's length-prefixed binary
// message framing.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind is the protocol opcode carried by every Message. It is
// representative of the wallet-sync protocol's message catalogue;
// schema bodies beyond the byte payload are an external collaborator
// per the module boundary.
type Kind uint8

const (
	KindSendTransaction Kind = iota + 1
	KindTransactionAck

	KindRequestPuzzleState
	KindRespondPuzzleState
	KindRejectPuzzleState

	KindRequestCoinState
	KindRespondCoinState
	KindRejectCoinState

	KindRegisterForPhUpdates
	KindRespondToPhUpdates

	KindRegisterForCoinUpdates
	KindRespondToCoinUpdates

	KindRequestRemovePuzzleSubscriptions
	KindRespondRemovePuzzleSubscriptions

	KindRequestRemoveCoinSubscriptions
	KindRespondRemoveCoinSubscriptions

	KindRequestTransaction
	KindRespondTransaction

	KindRequestPuzzleSolution
	KindRespondPuzzleSolution
	KindRejectPuzzleSolution

	KindRequestChildren
	KindRespondChildren

	KindRequestPeers
	KindRespondPeers

	// KindCoinStateUpdate and KindPuzzleStateUpdate are server-pushed,
	// id-absent notifications for subscribed coin ids / puzzle hashes.
	KindCoinStateUpdate
	KindPuzzleStateUpdate
)

func (k Kind) String() string {
	switch k {
	case KindSendTransaction:
		return "SendTransaction"
	case KindTransactionAck:
		return "TransactionAck"
	case KindRequestPuzzleState:
		return "RequestPuzzleState"
	case KindRespondPuzzleState:
		return "RespondPuzzleState"
	case KindRejectPuzzleState:
		return "RejectPuzzleState"
	case KindRequestCoinState:
		return "RequestCoinState"
	case KindRespondCoinState:
		return "RespondCoinState"
	case KindRejectCoinState:
		return "RejectCoinState"
	case KindRegisterForPhUpdates:
		return "RegisterForPhUpdates"
	case KindRespondToPhUpdates:
		return "RespondToPhUpdates"
	case KindRegisterForCoinUpdates:
		return "RegisterForCoinUpdates"
	case KindRespondToCoinUpdates:
		return "RespondToCoinUpdates"
	case KindRequestRemovePuzzleSubscriptions:
		return "RequestRemovePuzzleSubscriptions"
	case KindRespondRemovePuzzleSubscriptions:
		return "RespondRemovePuzzleSubscriptions"
	case KindRequestRemoveCoinSubscriptions:
		return "RequestRemoveCoinSubscriptions"
	case KindRespondRemoveCoinSubscriptions:
		return "RespondRemoveCoinSubscriptions"
	case KindRequestTransaction:
		return "RequestTransaction"
	case KindRespondTransaction:
		return "RespondTransaction"
	case KindRequestPuzzleSolution:
		return "RequestPuzzleSolution"
	case KindRespondPuzzleSolution:
		return "RespondPuzzleSolution"
	case KindRejectPuzzleSolution:
		return "RejectPuzzleSolution"
	case KindRequestChildren:
		return "RequestChildren"
	case KindRespondChildren:
		return "RespondChildren"
	case KindRequestPeers:
		return "RequestPeers"
	case KindRespondPeers:
		return "RespondPeers"
	case KindCoinStateUpdate:
		return "CoinStateUpdate"
	case KindPuzzleStateUpdate:
		return "PuzzleStateUpdate"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MaxPayloadSize bounds a single frame's payload. A peer sending more
// is considered to be violating the protocol.
const MaxPayloadSize = 64 << 20 // 64 MiB

// frameHeaderFixedLen is kind(1) + id_present(1) + payload_len(4);
// the 2-byte id is only present when id_present == 1.
const frameHeaderFixedLen = 1 + 1 + 4

// Message is the protocol's single wire unit: an opcode, an optional
// correlation id, and an opaque payload whose schema is determined by
// Kind.
type Message struct {
	Kind Kind
	// ID is nil for one-way sends and server-pushed events, and set
	// for anything participating in request/response correlation.
	ID      *uint16
	Payload []byte
}

// Encode serializes m as kind(1) || id_present(1) || id(2)? ||
// payload_len(4) || payload, all integers big-endian.
func Encode(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("wire: encode: %w: payload %d bytes exceeds max %d", ErrMalformedFrame, len(m.Payload), MaxPayloadSize)
	}

	idLen := 0
	if m.ID != nil {
		idLen = 2
	}

	buf := make([]byte, frameHeaderFixedLen+idLen+len(m.Payload))
	buf[0] = byte(m.Kind)
	off := 2
	if m.ID != nil {
		buf[1] = 1
		binary.BigEndian.PutUint16(buf[off:], *m.ID)
		off += 2
	} else {
		buf[1] = 0
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Payload)))
	off += 4
	copy(buf[off:], m.Payload)

	return buf, nil
}

// Decode parses a single frame from b. It requires b to contain
// exactly one frame; trailing bytes are a MalformedFrame error, as is
// any frame too short to hold its declared header or payload.
func Decode(b []byte) (Message, error) {
	if len(b) < frameHeaderFixedLen {
		return Message{}, fmt.Errorf("wire: decode: %w: frame too short (%d bytes)", ErrMalformedFrame, len(b))
	}

	kind := Kind(b[0])
	idPresent := b[1]
	if idPresent != 0 && idPresent != 1 {
		return Message{}, fmt.Errorf("wire: decode: %w: invalid id_present byte %d", ErrMalformedFrame, idPresent)
	}

	off := 2
	var id *uint16
	if idPresent == 1 {
		if len(b) < off+2 {
			return Message{}, fmt.Errorf("wire: decode: %w: truncated id field", ErrMalformedFrame)
		}
		v := binary.BigEndian.Uint16(b[off:])
		id = &v
		off += 2
	}

	if len(b) < off+4 {
		return Message{}, fmt.Errorf("wire: decode: %w: truncated length field", ErrMalformedFrame)
	}
	payloadLen := binary.BigEndian.Uint32(b[off:])
	off += 4

	if payloadLen > MaxPayloadSize {
		return Message{}, fmt.Errorf("wire: decode: %w: declared payload %d bytes exceeds max %d", ErrMalformedFrame, payloadLen, MaxPayloadSize)
	}
	if uint64(len(b)-off) < uint64(payloadLen) {
		return Message{}, fmt.Errorf("wire: decode: %w: payload shorter than declared length", ErrMalformedFrame)
	}
	if uint64(len(b)-off) != uint64(payloadLen) {
		return Message{}, fmt.Errorf("wire: decode: %w: trailing bytes after payload", ErrMalformedFrame)
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[off:])

	return Message{Kind: kind, ID: id, Payload: payload}, nil
}
