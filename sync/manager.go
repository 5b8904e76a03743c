package sync

import (
	"context"
	"crypto/tls"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"

	"lightwallet/rpc"
	"lightwallet/walletdb"
)

// Manager coordinates SyncWallet against a configurable set of peers,
// reconnecting with jittered exponential backoff on failure. It hands
// the shared PeerState to every SyncWallet run, which reads it; the
// Manager itself never writes peaks into it. Grounded on the teacher's
// core/blockchain_synchronization.go SyncManager, whose loop retries a
// failed pass after a fixed time.Sleep(time.Second); this generalizes
// that idiom to backoff instead of a fixed delay, since a single-peer
// wallet sync can fail far more often than a multi-validator consensus
// sync loop tolerates retrying at a constant rate.
type Manager struct {
	store          walletdb.WalletStore
	intermediatePK *bls.PublicKey
	peerState      *rpc.PeerState
	tlsConfig      *tls.Config
	opts           Options
	progress       chan<- Event
	log            *logrus.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	wg sync.WaitGroup
}

// NewManager builds a Manager. progress may be nil if the caller has
// no use for sync events.
func NewManager(store walletdb.WalletStore, intermediatePK *bls.PublicKey, peerState *rpc.PeerState, tlsConfig *tls.Config, progress chan<- Event, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		store:          store,
		intermediatePK: intermediatePK,
		peerState:      peerState,
		tlsConfig:      tlsConfig,
		opts:           DefaultOptions(),
		progress:       progress,
		log:            log,
		backoffMin:     time.Second,
		backoffMax:     2 * time.Minute,
	}
}

// Run starts one reconnect-and-sync loop per address in addrs and
// blocks until ctx is canceled, at which point it waits for every loop
// to exit.
func (m *Manager) Run(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		m.wg.Add(1)
		go func(addr string) {
			defer m.wg.Done()
			m.runPeerLoop(ctx, addr)
		}(addr)
	}
	<-ctx.Done()
	m.wg.Wait()
}

func (m *Manager) runPeerLoop(ctx context.Context, addr string) {
	backoff := m.backoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		runID := uuid.NewString()
		log := m.log.WithFields(logrus.Fields{"peer_addr": addr, "run_id": runID})

		peer, err := rpc.Dial(ctx, addr, m.tlsConfig, m.log)
		if err != nil {
			log.WithError(err).Warn("dial failed, backing off")
			if !m.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		wp := NewWalletPeer(peer)
		log.Info("connected, starting sync")

		err = SyncWallet(ctx, m.store, wp, m.intermediatePK, m.peerState, m.progress, m.opts)
		_ = peer.Close()

		if err != nil {
			log.WithError(err).Warn("sync failed, backing off before reconnect")
			if !m.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		log.Info("sync completed, reconnecting")
		backoff = m.backoffMin
		if !m.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

// sleepBackoff sleeps for a jittered duration around *backoff
// (doubling it afterwards, capped at backoffMax), returning false if
// ctx was canceled during the wait.
func (m *Manager) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff) / 2)) // #nosec G404 -- reconnect jitter, not security-sensitive
	wait := *backoff + jitter

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}

	*backoff *= 2
	if *backoff > m.backoffMax {
		*backoff = m.backoffMax
	}
	return true
}
