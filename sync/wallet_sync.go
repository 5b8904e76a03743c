// Package sync drives incremental wallet synchronization against one
// peer: subscribing to known coins and puzzle hashes, ingesting
// updates, extending the BLS derivation frontier, and persisting
// changes transactionally. Grounded directly on
// original_source/crates/sage-wallet/src/sync_manager/wallet_sync.rs
// for the algorithm and constants, and on the teacher's
// core/blockchain_synchronization.go for the outer retry-loop shape
// (see sync/manager.go).
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/herumi/bls-eth-go-binary/bls"

	"lightwallet/keys"
	"lightwallet/rpc"
	"lightwallet/walletdb"
)

// subscriptionPeer is the surface SyncWallet needs from a peer
// connection. *WalletPeer satisfies it; tests substitute a fake to
// exercise sync logic without a live WebSocket.
type subscriptionPeer interface {
	Addr() string
	SubscribeCoins(ctx context.Context, coinIDs [][32]byte, previousHeight *uint32, headerHash [32]byte) ([]CoinState, error)
	SubscribePuzzles(ctx context.Context, puzzleHashes [][32]byte, previousHeight *uint32, headerHash [32]byte, filters CoinStateFilters, subscribeWhenFinished bool) (RespondPuzzleState, error)
}

// genesisChallenge anchors a sync pass with no prior peak; the real
// genesis challenge hash is chain configuration, out of this module's
// scope, so the zero value stands in for "start of history".
var genesisChallenge [32]byte

// Options holds the sync engine's tunable timing constants. Per
// spec.md section 9, the 500ms inter-chunk pause and the 10s/45s
// timeouts are chosen empirically and are not contract, so they are
// fields with defaults rather than compile-time constants.
type Options struct {
	CoinIDChunkSize     int
	CoinIDChunkPause    time.Duration
	CoinIDTimeout       time.Duration
	PuzzleHashChunkSize int
	PuzzleHashTimeout   time.Duration
	FrontierBatchSize   uint32
}

// DefaultOptions matches the constants named in spec.md section 4.5.
func DefaultOptions() Options {
	return Options{
		CoinIDChunkSize:     10_000,
		CoinIDChunkPause:    500 * time.Millisecond,
		CoinIDTimeout:       10 * time.Second,
		PuzzleHashChunkSize: 500,
		PuzzleHashTimeout:   45 * time.Second,
		FrontierBatchSize:   500,
	}
}

// Event is progress emitted by SyncWallet/IncrementalSync. Consumers
// that fall behind the bounded channel lose events and must reconcile
// from the database; sync never blocks on delivery.
type Event interface{ isSyncEvent() }

// CoinsUpdatedEvent reports coin states applied by IncrementalSync.
type CoinsUpdatedEvent struct{ CoinStates []CoinState }

func (CoinsUpdatedEvent) isSyncEvent() {}

// DerivationIndexEvent reports the derivation frontier's new
// exclusive upper bound.
type DerivationIndexEvent struct{ NextIndex uint32 }

func (DerivationIndexEvent) isSyncEvent() {}

// sendProgress is a non-blocking, nil-safe best-effort send: a full or
// absent progress channel never stalls sync.
func sendProgress(progress chan<- Event, ev Event) {
	if progress == nil {
		return
	}
	select {
	case progress <- ev:
	default:
	}
}

// coinID computes a coin's content-addressed identifier: the SHA-256
// of its parent id, puzzle hash, and amount, matching the teacher's
// hash-composition idiom (core/wallet.go's pubKeyToAddress).
func coinID(c Coin) [32]byte {
	buf := make([]byte, 0, 32+32+8)
	buf = append(buf, c.ParentID[:]...)
	buf = append(buf, c.PuzzleHash[:]...)
	var amountBuf [8]byte
	binary.BigEndian.PutUint64(amountBuf[:], c.Amount)
	buf = append(buf, amountBuf[:]...)
	return sha256.Sum256(buf)
}

// withTimeout wraps a subscription call's context and translates a
// deadline-exceeded into ErrTimeout, keeping the underlying error's
// text in the message.
func withTimeout(ctx context.Context, d time.Duration, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sync: %s: %w: %v", op, ErrTimeout, err)
	}
	return err
}

// SyncWallet drives incremental synchronization against one peer,
// implementing spec.md section 4.5 steps 1-6.
func SyncWallet(ctx context.Context, store walletdb.WalletStore, peer subscriptionPeer, intermediatePK *bls.PublicKey, peerState *rpc.PeerState, progress chan<- Event, opts Options) error {
	p2Hashes, err := store.P2PuzzleHashes(ctx)
	if err != nil {
		return fmt.Errorf("sync: read p2 puzzle hashes: %w: %v", ErrDatabase, err)
	}

	peak, hasPeak, err := store.LatestPeak(ctx)
	if err != nil {
		return fmt.Errorf("sync: read latest peak: %w: %v", ErrDatabase, err)
	}

	var startHeight *uint32
	startHeader := genesisChallenge
	if hasPeak {
		h := peak.Height
		startHeight = &h
		startHeader = peak.HeaderHash
	}

	nonStandardIDs, err := store.UnspentNonStandardCoinIDs(ctx)
	if err != nil {
		return fmt.Errorf("sync: read non-standard coin ids: %w: %v", ErrDatabase, err)
	}

	if err := syncCoinIDs(ctx, store, peer, intermediatePK, nonStandardIDs, startHeight, startHeader, progress, opts); err != nil {
		return err
	}

	foundCoins, err := syncPuzzleHashes(ctx, store, peer, intermediatePK, p2Hashes, startHeight, startHeader, progress, opts)
	if err != nil {
		return err
	}

	hasAnyDerivations, err := hasDerivations(ctx, store)
	if err != nil {
		return err
	}

	deriveMore := !hasAnyDerivations || foundCoins
	for deriveMore {
		startIdx, err := currentDerivationIndex(ctx, store)
		if err != nil {
			return err
		}

		batch, err := keys.DeriveBatch(ctx, intermediatePK, startIdx, opts.FrontierBatchSize)
		if err != nil {
			return fmt.Errorf("sync: derive frontier batch: %w", err)
		}

		derivations := make([]walletdb.Derivation, len(batch))
		newHashes := make([][32]byte, len(batch))
		for i, d := range batch {
			derivations[i] = walletdb.Derivation{
				Index:        d.Index,
				Hardened:     d.Hardened,
				SyntheticKey: d.SyntheticKey.Serialize(),
				PuzzleHash:   d.PuzzleHash,
			}
			newHashes[i] = d.PuzzleHash
		}

		tx, err := store.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("sync: begin tx: %w: %v", ErrDatabase, err)
		}
		if err := tx.InsertDerivations(ctx, derivations); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("sync: insert derivations: %w: %v", ErrDatabase, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("sync: commit derivations: %w: %v", ErrDatabase, err)
		}

		nextIndex := startIdx + opts.FrontierBatchSize
		sendProgress(progress, DerivationIndexEvent{NextIndex: nextIndex})

		deriveMore, err = syncPuzzleHashes(ctx, store, peer, intermediatePK, newHashes, nil, genesisChallenge, progress, opts)
		if err != nil {
			return err
		}
	}

	if reportedPeak, ok := peerState.Peak(peer.Addr()); ok {
		tx, err := store.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("sync: begin tx: %w: %v", ErrDatabase, err)
		}
		if err := tx.InsertPeak(ctx, walletdb.Peak{Height: reportedPeak.Height, HeaderHash: reportedPeak.HeaderHash}); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("sync: insert peak: %w: %v", ErrDatabase, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("sync: commit peak: %w: %v", ErrDatabase, err)
		}
	}

	return nil
}

// syncCoinIDs implements spec.md section 4.5 step 3: chunk coinIDs
// into groups of opts.CoinIDChunkSize, pausing opts.CoinIDChunkPause
// between chunks (not before the first), each chunk bounded by
// opts.CoinIDTimeout.
func syncCoinIDs(ctx context.Context, store walletdb.WalletStore, peer subscriptionPeer, intermediatePK *bls.PublicKey, coinIDs [][32]byte, anchorHeight *uint32, anchorHash [32]byte, progress chan<- Event, opts Options) error {
	for i := 0; i < len(coinIDs); i += opts.CoinIDChunkSize {
		if i > 0 {
			select {
			case <-time.After(opts.CoinIDChunkPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		end := i + opts.CoinIDChunkSize
		if end > len(coinIDs) {
			end = len(coinIDs)
		}
		chunk := coinIDs[i:end]

		var states []CoinState
		err := withTimeout(ctx, opts.CoinIDTimeout, "coin id subscription", func(cctx context.Context) error {
			var err error
			states, err = peer.SubscribeCoins(cctx, chunk, anchorHeight, anchorHash)
			return err
		})
		if err != nil {
			return err
		}

		if err := IncrementalSync(ctx, store, intermediatePK, states, true, progress, opts); err != nil {
			return err
		}
	}
	return nil
}

// syncPuzzleHashes implements spec.md section 4.5 step 4: for each
// chunk of puzzleHashes, page through puzzle-state responses anchored
// at (anchorHeight, anchorHash) until is_finished, reporting whether
// any coin states were discovered across any chunk.
func syncPuzzleHashes(ctx context.Context, store walletdb.WalletStore, peer subscriptionPeer, intermediatePK *bls.PublicKey, puzzleHashes [][32]byte, anchorHeight *uint32, anchorHash [32]byte, progress chan<- Event, opts Options) (bool, error) {
	filters := CoinStateFilters{IncludeSpent: true, IncludeUnspent: true, IncludeHinted: true, MinAmount: 0}
	foundCoins := false

	for i := 0; i < len(puzzleHashes); i += opts.PuzzleHashChunkSize {
		end := i + opts.PuzzleHashChunkSize
		if end > len(puzzleHashes) {
			end = len(puzzleHashes)
		}
		chunk := puzzleHashes[i:end]

		height := anchorHeight
		header := anchorHash

		for {
			var resp RespondPuzzleState
			err := withTimeout(ctx, opts.PuzzleHashTimeout, "puzzle state subscription", func(cctx context.Context) error {
				var err error
				resp, err = peer.SubscribePuzzles(cctx, chunk, height, header, filters, false)
				return err
			})
			if err != nil {
				return foundCoins, err
			}

			if len(resp.CoinStates) > 0 {
				foundCoins = true
				if err := IncrementalSync(ctx, store, intermediatePK, resp.CoinStates, true, progress, opts); err != nil {
					return foundCoins, err
				}
			}

			h := resp.Height
			height = &h
			header = resp.HeaderHash

			if resp.IsFinished {
				break
			}
		}
	}

	return foundCoins, nil
}

// IncrementalSync implements spec.md section 4.5's incremental_sync:
// one transaction upserting/deleting coin and puzzle rows, an
// optional derivation top-up, and best-effort progress events.
func IncrementalSync(ctx context.Context, store walletdb.WalletStore, intermediatePK *bls.PublicKey, coinStates []CoinState, deriveAutomatically bool, progress chan<- Event, opts Options) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("sync: begin tx: %w: %v", ErrDatabase, err)
	}

	for _, cs := range coinStates {
		row := walletdb.CoinState{
			CoinID:        coinID(cs.Coin),
			ParentID:      cs.Coin.ParentID,
			PuzzleHash:    cs.Coin.PuzzleHash,
			Amount:        cs.Coin.Amount,
			CreatedHeight: cs.CreatedHeight,
			SpentHeight:   cs.SpentHeight,
		}
		if err := tx.UpsertCoin(ctx, row); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("sync: upsert coin: %w: %v", ErrDatabase, err)
		}
		if cs.SpentHeight != nil {
			if err := tx.DeletePuzzle(ctx, cs.Coin.PuzzleHash); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("sync: delete puzzle: %w: %v", ErrDatabase, err)
			}
		}
	}

	grew := false
	var nextIndex uint32

	if deriveAutomatically {
		idx, err := tx.DerivationIndex(ctx)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("sync: read derivation index: %w: %v", ErrDatabase, err)
		}
		maxUsed, hasMax, err := tx.MaxUsedDerivationIndex(ctx)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("sync: read max used derivation index: %w: %v", ErrDatabase, err)
		}

		var maxUsedVal int64 = -1
		if hasMax {
			maxUsedVal = int64(maxUsed)
		}
		nextIndex = idx

		for int64(nextIndex) < maxUsedVal+1+int64(opts.FrontierBatchSize) {
			batch, err := keys.DeriveBatch(ctx, intermediatePK, nextIndex, opts.FrontierBatchSize)
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("sync: derive batch: %w", err)
			}
			derivations := make([]walletdb.Derivation, len(batch))
			for i, d := range batch {
				derivations[i] = walletdb.Derivation{
					Index:        d.Index,
					Hardened:     d.Hardened,
					SyntheticKey: d.SyntheticKey.Serialize(),
					PuzzleHash:   d.PuzzleHash,
				}
			}
			if err := tx.InsertDerivations(ctx, derivations); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("sync: insert derivations: %w: %v", ErrDatabase, err)
			}
			nextIndex += opts.FrontierBatchSize
			grew = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sync: commit: %w: %v", ErrDatabase, err)
	}

	sendProgress(progress, CoinsUpdatedEvent{CoinStates: coinStates})
	if grew {
		sendProgress(progress, DerivationIndexEvent{NextIndex: nextIndex})
	}

	return nil
}

// hasDerivations reports whether the store has persisted any
// derivation at all, used to seed the frontier loop's initial
// condition.
func hasDerivations(ctx context.Context, store walletdb.WalletStore) (bool, error) {
	idx, err := currentDerivationIndex(ctx, store)
	if err != nil {
		return false, err
	}
	return idx > 0, nil
}

// currentDerivationIndex opens a transaction solely to read the next
// unused derivation index, then rolls it back since nothing was
// mutated.
func currentDerivationIndex(ctx context.Context, store walletdb.WalletStore) (uint32, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: begin tx: %w: %v", ErrDatabase, err)
	}
	idx, err := tx.DerivationIndex(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("sync: read derivation index: %w: %v", ErrDatabase, err)
	}
	_ = tx.Rollback(ctx)
	return idx, nil
}
