package sync

import (
	"context"
	"encoding/json"

	"lightwallet/rpc"
	"lightwallet/wire"
)

// WalletPeer is a thin view over rpc.Peer specialized to the two
// subscription operations the sync engine needs; a rejection surfaces
// as a typed error rather than a success with an empty payload.
type WalletPeer struct {
	peer *rpc.Peer
}

// NewWalletPeer wraps an already-connected rpc.Peer.
func NewWalletPeer(peer *rpc.Peer) *WalletPeer { return &WalletPeer{peer: peer} }

// Addr is the wrapped peer's network address.
func (w *WalletPeer) Addr() string { return w.peer.Addr() }

// Peer exposes the underlying rpc.Peer, e.g. for manager bookkeeping.
func (w *WalletPeer) Peer() *rpc.Peer { return w.peer }

func decodeJSON[T any](b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// SubscribeCoins requests and subscribes to the current state of
// coinIDs, anchored at (previousHeight, headerHash).
func (w *WalletPeer) SubscribeCoins(ctx context.Context, coinIDs [][32]byte, previousHeight *uint32, headerHash [32]byte) ([]CoinState, error) {
	req := RequestCoinState{
		CoinIDs:        coinIDs,
		PreviousHeight: previousHeight,
		HeaderHash:     headerHash,
		Subscribe:      true,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	result, err := rpc.RequestFallible[RespondCoinState, RejectCoinState](
		ctx, w.peer, wire.KindRequestCoinState, payload,
		wire.KindRespondCoinState, wire.KindRejectCoinState,
		decodeJSON[RespondCoinState], decodeJSON[RejectCoinState],
	)
	if err != nil {
		return nil, err
	}
	if result.Rejected != nil {
		return nil, &CoinStateRejectedError{Reason: result.Rejected.Reason}
	}
	return result.OK.CoinStates, nil
}

// SubscribePuzzles requests one page of coin states matching
// puzzleHashes, anchored at (previousHeight, headerHash) and narrowed
// by filters.
func (w *WalletPeer) SubscribePuzzles(ctx context.Context, puzzleHashes [][32]byte, previousHeight *uint32, headerHash [32]byte, filters CoinStateFilters, subscribeWhenFinished bool) (RespondPuzzleState, error) {
	req := RequestPuzzleState{
		PuzzleHashes:          puzzleHashes,
		PreviousHeight:        previousHeight,
		HeaderHash:            headerHash,
		Filters:               filters,
		SubscribeWhenFinished: subscribeWhenFinished,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return RespondPuzzleState{}, err
	}

	result, err := rpc.RequestFallible[RespondPuzzleState, RejectPuzzleState](
		ctx, w.peer, wire.KindRequestPuzzleState, payload,
		wire.KindRespondPuzzleState, wire.KindRejectPuzzleState,
		decodeJSON[RespondPuzzleState], decodeJSON[RejectPuzzleState],
	)
	if err != nil {
		return RespondPuzzleState{}, err
	}
	if result.Rejected != nil {
		return RespondPuzzleState{}, &PuzzleStateRejectedError{Reason: result.Rejected.Reason}
	}
	return *result.OK, nil
}
