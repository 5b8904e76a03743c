package sync

// The request/response body types below are the minimal concrete
// stand-in for the message-schema library spec.md names as an external
// collaborator (out of scope per spec section 1): typed bodies for the
// two subscription calls WalletPeer needs. Their own wire encoding
// (encoding/json here) is an implementation detail internal to this
// module, not the protocol's real body schema.

// Coin identifies an immutable UTXO record.
type Coin struct {
	ParentID   [32]byte
	PuzzleHash [32]byte
	Amount     uint64
}

// CoinState is a coin plus its creation/spend height, if known.
type CoinState struct {
	Coin          Coin
	CreatedHeight *uint32
	SpentHeight   *uint32
}

// Unspent reports whether the coin has not been observed spent.
func (c CoinState) Unspent() bool { return c.SpentHeight == nil }

// CoinStateFilters narrows a puzzle-state subscription.
type CoinStateFilters struct {
	IncludeSpent   bool
	IncludeUnspent bool
	IncludeHinted  bool
	MinAmount      uint64
}

// RequestCoinState asks the peer to report and subscribe to the
// current state of a set of coin ids.
type RequestCoinState struct {
	CoinIDs        [][32]byte
	PreviousHeight *uint32
	HeaderHash     [32]byte
	Subscribe      bool
}

// RespondCoinState carries the requested coin states.
type RespondCoinState struct {
	CoinStates []CoinState
}

// RejectCoinState is returned when the peer declines a coin-state
// subscription (e.g. too many coin ids in one request).
type RejectCoinState struct {
	Reason string
}

// RequestPuzzleState asks the peer for a page of coin states matching
// a set of puzzle hashes, anchored at a prior cursor.
type RequestPuzzleState struct {
	PuzzleHashes          [][32]byte
	PreviousHeight        *uint32
	HeaderHash            [32]byte
	Filters               CoinStateFilters
	SubscribeWhenFinished bool
}

// RespondPuzzleState carries one page of matching coin states plus the
// cursor to resume pagination from.
type RespondPuzzleState struct {
	CoinStates []CoinState
	Height     uint32
	HeaderHash [32]byte
	IsFinished bool
}

// RejectPuzzleState is returned when the peer declines a puzzle-state
// subscription.
type RejectPuzzleState struct {
	Reason string
}
