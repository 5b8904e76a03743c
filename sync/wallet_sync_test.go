package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/herumi/bls-eth-go-binary/bls"

	"lightwallet/keys"
	"lightwallet/rpc"
	"lightwallet/walletdb"
	"lightwallet/walletdb/memdb"
)

// fakePeer is a scripted subscriptionPeer: each call to SubscribeCoins
// or SubscribePuzzles pops the next queued response, letting tests
// drive exact scenarios without a live WebSocket.
type fakePeer struct {
	mu sync.Mutex

	addr string

	coinResponses    [][]CoinState
	coinCallAnchors  []*uint32
	puzzleResponses  []RespondPuzzleState
	puzzleCallAnchor []*uint32
}

func (f *fakePeer) Addr() string { return f.addr }

func (f *fakePeer) SubscribeCoins(ctx context.Context, coinIDs [][32]byte, previousHeight *uint32, headerHash [32]byte) ([]CoinState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coinCallAnchors = append(f.coinCallAnchors, previousHeight)
	if len(f.coinResponses) == 0 {
		return nil, nil
	}
	resp := f.coinResponses[0]
	f.coinResponses = f.coinResponses[1:]
	return resp, nil
}

func (f *fakePeer) SubscribePuzzles(ctx context.Context, puzzleHashes [][32]byte, previousHeight *uint32, headerHash [32]byte, filters CoinStateFilters, subscribeWhenFinished bool) (RespondPuzzleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puzzleCallAnchor = append(f.puzzleCallAnchor, previousHeight)
	if len(f.puzzleResponses) == 0 {
		return RespondPuzzleState{IsFinished: true}, nil
	}
	resp := f.puzzleResponses[0]
	f.puzzleResponses = f.puzzleResponses[1:]
	return resp, nil
}

func testIntermediatePK(t *testing.T) *bls.PublicKey {
	t.Helper()
	sk := new(bls.SecretKey)
	sk.SetByCSPRNG()
	return sk.GetPublicKey()
}

func TestIncrementalSyncAppliesSpentCoinState(t *testing.T) {
	store := memdb.New(nil, nil)
	pk := testIntermediatePK(t)

	spentHeight := uint32(10)
	cs := CoinState{
		Coin:        Coin{PuzzleHash: [32]byte{1}, Amount: 100},
		SpentHeight: &spentHeight,
	}

	if err := IncrementalSync(context.Background(), store, pk, []CoinState{cs}, false, nil, DefaultOptions()); err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if store.CoinCount() != 1 {
		t.Fatalf("expected 1 coin row, got %d", store.CoinCount())
	}
}

func TestIncrementalSyncEmitsProgressEvents(t *testing.T) {
	store := memdb.New(nil, nil)
	pk := testIntermediatePK(t)
	progress := make(chan Event, 4)

	cs := CoinState{Coin: Coin{PuzzleHash: [32]byte{2}, Amount: 5}}
	if err := IncrementalSync(context.Background(), store, pk, []CoinState{cs}, true, progress, DefaultOptions()); err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}

	var sawCoins, sawDerivation bool
	close(progress)
	for ev := range progress {
		switch ev.(type) {
		case CoinsUpdatedEvent:
			sawCoins = true
		case DerivationIndexEvent:
			sawDerivation = true
		}
	}
	if !sawCoins {
		t.Fatalf("expected a CoinsUpdatedEvent")
	}
	if !sawDerivation {
		t.Fatalf("expected a DerivationIndexEvent since derivation index started at 0")
	}
	if store.DerivationCount() != int(DefaultOptions().FrontierBatchSize) {
		t.Fatalf("expected %d derivations, got %d", DefaultOptions().FrontierBatchSize, store.DerivationCount())
	}
}

// failingTx wraps a real walletdb.Tx but fails on the Nth UpsertCoin
// call, letting the atomicity property be tested directly.
type failingStore struct {
	inner     *memdb.Store
	failAfter int
}

type failingTx struct {
	inner     walletdb.Tx
	store     *failingStore
	upserts   int
	triggered bool
}

func (s *failingStore) BeginTx(ctx context.Context) (walletdb.Tx, error) {
	inner, err := s.inner.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{inner: inner, store: s}, nil
}
func (s *failingStore) P2PuzzleHashes(ctx context.Context) ([][32]byte, error) {
	return s.inner.P2PuzzleHashes(ctx)
}
func (s *failingStore) LatestPeak(ctx context.Context) (walletdb.Peak, bool, error) {
	return s.inner.LatestPeak(ctx)
}
func (s *failingStore) UnspentNonStandardCoinIDs(ctx context.Context) ([][32]byte, error) {
	return s.inner.UnspentNonStandardCoinIDs(ctx)
}

var errInjected = errors.New("injected failure")

func (t *failingTx) UpsertCoin(ctx context.Context, state walletdb.CoinState) error {
	t.upserts++
	if t.upserts > t.store.failAfter {
		t.triggered = true
		return errInjected
	}
	return t.inner.UpsertCoin(ctx, state)
}
func (t *failingTx) DeletePuzzle(ctx context.Context, puzzleHash [32]byte) error {
	return t.inner.DeletePuzzle(ctx, puzzleHash)
}
func (t *failingTx) DerivationIndex(ctx context.Context) (uint32, error) {
	return t.inner.DerivationIndex(ctx)
}
func (t *failingTx) MaxUsedDerivationIndex(ctx context.Context) (uint32, bool, error) {
	return t.inner.MaxUsedDerivationIndex(ctx)
}
func (t *failingTx) InsertDerivations(ctx context.Context, derivations []walletdb.Derivation) error {
	return t.inner.InsertDerivations(ctx, derivations)
}
func (t *failingTx) InsertPeak(ctx context.Context, peak walletdb.Peak) error {
	return t.inner.InsertPeak(ctx, peak)
}
func (t *failingTx) Commit(ctx context.Context) error {
	if t.triggered {
		return errInjected
	}
	return t.inner.Commit(ctx)
}
func (t *failingTx) Rollback(ctx context.Context) error { return t.inner.Rollback(ctx) }

func TestIncrementalSyncIsAtomicOnFailure(t *testing.T) {
	backing := memdb.New(nil, nil)
	store := &failingStore{inner: backing, failAfter: 1}
	pk := testIntermediatePK(t)

	coinStates := []CoinState{
		{Coin: Coin{PuzzleHash: [32]byte{1}, Amount: 1}},
		{Coin: Coin{PuzzleHash: [32]byte{2}, Amount: 2}},
	}

	err := IncrementalSync(context.Background(), store, pk, coinStates, false, nil, DefaultOptions())
	if !errors.Is(err, ErrDatabase) {
		t.Fatalf("expected a wrapped ErrDatabase, got %v", err)
	}
	if backing.CoinCount() != 0 {
		t.Fatalf("expected no coin rows committed on failure, got %d", backing.CoinCount())
	}
}

func TestDerivationFrontierExtensionTerminates(t *testing.T) {
	store := memdb.New(nil, nil)
	pk := testIntermediatePK(t)

	// The derivation at index 37 will own the one coin the mock peer
	// reports: the first frontier batch finds it, so derive-more is
	// set and a second batch is derived; the re-sync over that batch's
	// 500 hashes finds nothing further, and the loop terminates.
	batch, err := keys.DeriveBatch(context.Background(), pk, 0, 500)
	if err != nil {
		t.Fatalf("DeriveBatch: %v", err)
	}
	target := batch[37]

	peer := &fakePeer{
		addr: "peer:8444",
		puzzleResponses: []RespondPuzzleState{
			{
				CoinStates: []CoinState{{Coin: Coin{PuzzleHash: target.PuzzleHash, Amount: 1}}},
				Height:     1,
				HeaderHash: [32]byte{0xAA},
				IsFinished: true,
			},
			// Re-sync of the fresh 500 hashes anchored at genesis finds nothing.
			{IsFinished: true},
		},
	}

	peerState := rpc.NewPeerState()
	progress := make(chan Event, 32)

	err = SyncWallet(context.Background(), store, peer, pk, peerState, progress, DefaultOptions())
	if err != nil {
		t.Fatalf("SyncWallet: %v", err)
	}

	// The frontier loop runs twice: once to derive indices [0,500) and
	// discover the target coin among them, once more to derive
	// [500,1000) before the re-sync comes back empty and it stops.
	if store.DerivationCount() != 1000 {
		t.Fatalf("expected 1000 derivations, got %d", store.DerivationCount())
	}
	if store.CoinCount() != 1 {
		t.Fatalf("expected 1 coin row, got %d", store.CoinCount())
	}

	close(progress)
	sawDerivation500 := false
	for ev := range progress {
		if de, ok := ev.(DerivationIndexEvent); ok && de.NextIndex == 500 {
			sawDerivation500 = true
		}
	}
	if !sawDerivation500 {
		t.Fatalf("expected a DerivationIndexEvent{500}")
	}
}

func TestPuzzleStatePaginationAdvancesAnchor(t *testing.T) {
	store := memdb.New([][32]byte{{1}}, nil)
	pk := testIntermediatePK(t)

	peer := &fakePeer{
		addr: "peer:8444",
		puzzleResponses: []RespondPuzzleState{
			{Height: 10, HeaderHash: [32]byte{0x01}, IsFinished: false},
			{Height: 20, HeaderHash: [32]byte{0x02}, IsFinished: false},
			{Height: 30, HeaderHash: [32]byte{0x03}, IsFinished: true},
		},
	}

	_, err := syncPuzzleHashes(context.Background(), store, peer, pk, [][32]byte{{1}}, nil, genesisChallenge, nil, DefaultOptions())
	if err != nil {
		t.Fatalf("syncPuzzleHashes: %v", err)
	}

	if len(peer.puzzleCallAnchor) != 3 {
		t.Fatalf("expected 3 subscription calls, got %d", len(peer.puzzleCallAnchor))
	}
	if peer.puzzleCallAnchor[0] != nil {
		t.Fatalf("first call should anchor at the original (nil) cursor")
	}
	if *peer.puzzleCallAnchor[1] != 10 {
		t.Fatalf("second call should anchor at the first response's height, got %v", peer.puzzleCallAnchor[1])
	}
	if *peer.puzzleCallAnchor[2] != 20 {
		t.Fatalf("third call should anchor at the second response's height, got %v", peer.puzzleCallAnchor[2])
	}
}

func TestSyncWalletPersistsSharedPeerStatePeak(t *testing.T) {
	store := memdb.New(nil, nil)
	pk := testIntermediatePK(t)
	peer := &fakePeer{addr: "peer:8444"}

	peerState := rpc.NewPeerState()
	peerState.Update(peer.addr, rpc.WalletPeak{Height: 99, HeaderHash: [32]byte{0xFF}})

	if err := SyncWallet(context.Background(), store, peer, pk, peerState, nil, DefaultOptions()); err != nil {
		t.Fatalf("SyncWallet: %v", err)
	}

	peak, ok, err := store.LatestPeak(context.Background())
	if err != nil {
		t.Fatalf("LatestPeak: %v", err)
	}
	if !ok {
		t.Fatalf("expected a persisted peak")
	}
	if peak.Height != 99 || peak.HeaderHash != ([32]byte{0xFF}) {
		t.Fatalf("unexpected peak: %+v", peak)
	}
}
