// Package walletdb names the transactional persistence boundary the
// sync engine depends on. The real wallet database (schema, on-disk
// format, query planner) is an external collaborator per spec scope;
// this package defines only the interface WalletSync needs and, in
// walletdb/memdb, an in-memory implementation for tests.
package walletdb

import "context"

// CoinState mirrors spec section 3: a coin is unspent iff SpentHeight
// is nil.
type CoinState struct {
	CoinID       [32]byte
	ParentID     [32]byte
	PuzzleHash   [32]byte
	Amount       uint64
	CreatedHeight *uint32
	SpentHeight   *uint32
}

// Peak is the persisted resume point for subsequent syncs.
type Peak struct {
	Height     uint32
	HeaderHash [32]byte
}

// Derivation is the persisted form of keys.Derivation, decoupled from
// the keys package so walletdb has no dependency on the BLS library.
type Derivation struct {
	Index        uint32
	Hardened     bool
	SyntheticKey []byte
	PuzzleHash   [32]byte
}

// Tx is a single transactional scope. Every WalletStore mutation used
// by incremental sync happens within one Tx; there are no nested
// transactions.
type Tx interface {
	// UpsertCoin inserts or updates a coin row by CoinID.
	UpsertCoin(ctx context.Context, state CoinState) error

	// DeletePuzzle removes the puzzle record associated with
	// puzzleHash; called in the same transaction a coin under that
	// hash is marked spent.
	DeletePuzzle(ctx context.Context, puzzleHash [32]byte) error

	// DerivationIndex returns the next unused derivation index.
	DerivationIndex(ctx context.Context) (uint32, error)

	// MaxUsedDerivationIndex returns the highest derivation index that
	// owns an observed coin, or false if none does yet.
	MaxUsedDerivationIndex(ctx context.Context) (uint32, bool, error)

	// InsertDerivations persists a contiguous block of derivations.
	InsertDerivations(ctx context.Context, derivations []Derivation) error

	// InsertPeak persists the resume point.
	InsertPeak(ctx context.Context, peak Peak) error

	// Commit finalizes the transaction. Rollback discards it; a Tx
	// that is neither committed nor rolled back must be rolled back by
	// the store on context cancellation.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WalletStore is the transactional persistence boundary WalletSync
// depends on.
type WalletStore interface {
	// BeginTx opens one transactional scope.
	BeginTx(ctx context.Context) (Tx, error)

	// P2PuzzleHashes returns the wallet's current set of interest.
	P2PuzzleHashes(ctx context.Context) ([][32]byte, error)

	// LatestPeak returns the last persisted peak, or false if none has
	// been recorded yet (sync should start from genesis).
	LatestPeak(ctx context.Context) (Peak, bool, error)

	// UnspentNonStandardCoinIDs returns locally known coin ids for
	// non-standard coins (NFT, DID, CAT asset coins) that are not
	// covered by a puzzle-hash subscription.
	UnspentNonStandardCoinIDs(ctx context.Context) ([][32]byte, error)
}
