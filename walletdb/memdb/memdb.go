// Package memdb is an in-memory walletdb.WalletStore, grounded on the
// teacher's map-and-mutex-backed Ledger pattern (core/common_structs.go's
// Ledger, core/ledger.go) since the real wallet database is an external
// collaborator out of this module's scope. Used by sync's tests and, for
// now, by cmd/walletd as its only available store -- a persistent
// backend is a drop-in WalletStore implementation away.
package memdb

import (
	"context"
	"sync"

	"lightwallet/walletdb"
)

// Store is a concurrency-safe, in-memory WalletStore. Every Tx stages
// its writes locally and only applies them to Store's maps on Commit,
// so a transaction that is never committed (or is rolled back) leaves
// no trace.
type Store struct {
	mu sync.Mutex

	coins       map[[32]byte]walletdb.CoinState
	puzzleRows  map[[32]byte]struct{}
	derivations map[uint32]walletdb.Derivation
	nextIndex   uint32
	maxUsed     uint32
	hasMaxUsed  bool
	peak        *walletdb.Peak

	p2PuzzleHashes [][32]byte
	nonStandard    [][32]byte
}

// New returns an empty Store. p2PuzzleHashes and nonStandardCoinIDs
// seed the wallet's initial set of interest; both may be nil.
func New(p2PuzzleHashes [][32]byte, nonStandardCoinIDs [][32]byte) *Store {
	return &Store{
		coins:          make(map[[32]byte]walletdb.CoinState),
		puzzleRows:     make(map[[32]byte]struct{}),
		derivations:    make(map[uint32]walletdb.Derivation),
		p2PuzzleHashes: p2PuzzleHashes,
		nonStandard:    nonStandardCoinIDs,
	}
}

func (s *Store) P2PuzzleHashes(ctx context.Context) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][32]byte, len(s.p2PuzzleHashes))
	copy(out, s.p2PuzzleHashes)
	return out, nil
}

func (s *Store) LatestPeak(ctx context.Context) (walletdb.Peak, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peak == nil {
		return walletdb.Peak{}, false, nil
	}
	return *s.peak, true, nil
}

func (s *Store) UnspentNonStandardCoinIDs(ctx context.Context) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][32]byte, len(s.nonStandard))
	copy(out, s.nonStandard)
	return out, nil
}

// AddP2PuzzleHash registers hash as part of the wallet's subscribed
// set; used by tests to seed derivation-frontier state.
func (s *Store) AddP2PuzzleHash(hash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p2PuzzleHashes = append(s.p2PuzzleHashes, hash)
}

// Derivation returns the persisted derivation at index, if any.
func (s *Store) Derivation(index uint32) (walletdb.Derivation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[index]
	return d, ok
}

// DerivationCount reports how many derivations have been persisted.
func (s *Store) DerivationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.derivations)
}

// CoinCount reports how many coin rows are currently stored.
func (s *Store) CoinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coins)
}

func (s *Store) BeginTx(ctx context.Context) (walletdb.Tx, error) {
	return &tx{store: s}, nil
}

// tx stages writes locally; nothing touches Store until Commit.
type tx struct {
	store *Store

	coinUpserts  []walletdb.CoinState
	puzzleDelete [][32]byte
	derivations  []walletdb.Derivation
	peak         *walletdb.Peak

	done bool
}

func (t *tx) UpsertCoin(ctx context.Context, state walletdb.CoinState) error {
	t.coinUpserts = append(t.coinUpserts, state)
	return nil
}

func (t *tx) DeletePuzzle(ctx context.Context, puzzleHash [32]byte) error {
	t.puzzleDelete = append(t.puzzleDelete, puzzleHash)
	return nil
}

func (t *tx) DerivationIndex(ctx context.Context) (uint32, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.nextIndex, nil
}

func (t *tx) MaxUsedDerivationIndex(ctx context.Context) (uint32, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.maxUsed, t.store.hasMaxUsed, nil
}

func (t *tx) InsertDerivations(ctx context.Context, derivations []walletdb.Derivation) error {
	t.derivations = append(t.derivations, derivations...)
	return nil
}

func (t *tx) InsertPeak(ctx context.Context, peak walletdb.Peak) error {
	p := peak
	t.peak = &p
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, c := range t.coinUpserts {
		t.store.coins[c.CoinID] = c
		if c.SpentHeight != nil {
			// memdb does not update max-used derivation tracking
			// from coin rows, spent or not; that value changes only
			// through MarkDerivationUsed.
		}
	}
	for _, ph := range t.puzzleDelete {
		delete(t.store.puzzleRows, ph)
	}
	for _, d := range t.derivations {
		t.store.derivations[d.Index] = d
		t.store.puzzleRows[d.PuzzleHash] = struct{}{}
		if d.Index+1 > t.store.nextIndex {
			t.store.nextIndex = d.Index + 1
		}
	}
	if t.peak != nil {
		t.store.peak = t.peak
	}

	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

// MarkDerivationUsed records that the derivation at index owns an
// observed coin, advancing the store's max-used-index tracking. Real
// stores infer this from a join between coins and derivations; memdb
// exposes it directly since it has no query planner.
func (s *Store) MarkDerivationUsed(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMaxUsed || index > s.maxUsed {
		s.maxUsed = index
		s.hasMaxUsed = true
	}
}
