// Command walletd is a thin CLI driving the wallet sync engine. It
// intentionally exposes no RPC surface of its own (out of scope); it
// just wires the sync and keys packages to a peer address and a local
// in-memory store. Grounded on cmd/synnergy/main.go's flat
// cobra.Command-per-verb layout.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lightwallet/internal/walletlog"
	"lightwallet/keys"
	"lightwallet/pkg/config"
	"lightwallet/pkg/tlsconfig"
	"lightwallet/rpc"
	"lightwallet/sync"
	"lightwallet/walletdb/memdb"
)

func main() {
	rootCmd := &cobra.Command{Use: "walletd"}
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(deriveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadIntermediatePK(hexKey string) (*bls.PublicKey, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("walletd: --intermediate-pk is required")
	}
	pk := new(bls.PublicKey)
	if err := pk.SetHexString(hexKey); err != nil {
		return nil, fmt.Errorf("walletd: parse intermediate public key: %w", err)
	}
	return pk, nil
}

func syncCmd() *cobra.Command {
	var (
		peerAddr     string
		peersFile    string
		certPath     string
		keyPath      string
		caCertPath   string
		intermediate string
		logLevel     string
		logJSON      bool
		configEnv    string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "connect to one or more peers and run incremental wallet sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configEnv)
			if err != nil {
				return fmt.Errorf("walletd sync: %w", err)
			}

			addrs := cfg.Peer.Addresses
			if peersFile != "" {
				fileAddrs, err := config.LoadPeerList(peersFile)
				if err != nil {
					return fmt.Errorf("walletd sync: %w", err)
				}
				addrs = append(addrs, fileAddrs...)
			}
			if peerAddr != "" {
				addrs = append(addrs, peerAddr)
			}
			if len(addrs) == 0 {
				return fmt.Errorf("walletd sync: no peer addresses given (use --peer, --peers-file, or config)")
			}

			if certPath == "" {
				certPath = cfg.Peer.CertPath
			}
			if keyPath == "" {
				keyPath = cfg.Peer.KeyPath
			}
			if caCertPath == "" {
				caCertPath = cfg.Peer.CACertPath
			}
			if logLevel == "" {
				logLevel = cfg.Logging.Level
			}

			log, err := walletlog.New(walletlog.Config{Level: logLevel, JSON: logJSON || cfg.Logging.JSON})
			if err != nil {
				return fmt.Errorf("walletd sync: %w", err)
			}

			intermediatePK, err := loadIntermediatePK(intermediate)
			if err != nil {
				return err
			}

			tlsCfg, err := tlsconfig.New(tlsconfig.Options{CertPath: certPath, KeyPath: keyPath, CACertPath: caCertPath})
			if err != nil {
				return fmt.Errorf("walletd sync: %w", err)
			}

			store := memdb.New(nil, nil)
			peerState := rpc.NewPeerState()
			progress := make(chan sync.Event, 64)
			go logProgress(log, progress)

			mgr := sync.NewManager(store, intermediatePK, peerState, tlsCfg, progress, log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.WithField("peer_addrs", addrs).Info("starting sync manager")
			mgr.Run(ctx, addrs)
			return nil
		},
	}

	cmd.Flags().StringVar(&peerAddr, "peer", "", "peer address (host:port); may be combined with --peers-file")
	cmd.Flags().StringVar(&peersFile, "peers-file", "", "YAML bootstrap peer list file (see pkg/config.LoadPeerList)")
	cmd.Flags().StringVar(&certPath, "cert", "", "wallet TLS certificate path")
	cmd.Flags().StringVar(&keyPath, "key", "", "wallet TLS private key path")
	cmd.Flags().StringVar(&caCertPath, "ca-cert", "", "CA certificate path for verifying the peer")
	cmd.Flags().StringVar(&intermediate, "intermediate-pk", "", "hex-encoded BLS intermediate public key")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON formatted logs")
	cmd.Flags().StringVar(&configEnv, "env", "", "environment-specific config overlay name")
	return cmd
}

func deriveCmd() *cobra.Command {
	var (
		intermediate string
		start        uint32
		count        uint32
	)

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "derive a batch of puzzle hashes without connecting to a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			intermediatePK, err := loadIntermediatePK(intermediate)
			if err != nil {
				return err
			}

			batch, err := keys.DeriveBatch(cmd.Context(), intermediatePK, start, count)
			if err != nil {
				return fmt.Errorf("walletd derive: %w", err)
			}

			for _, d := range batch {
				fmt.Printf("%d\t%s\n", d.Index, hex.EncodeToString(d.PuzzleHash[:]))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&intermediate, "intermediate-pk", "", "hex-encoded BLS intermediate public key")
	cmd.Flags().Uint32Var(&start, "start", 0, "first derivation index")
	cmd.Flags().Uint32Var(&count, "count", 500, "number of keys to derive")
	return cmd
}

func logProgress(log *logrus.Logger, progress <-chan sync.Event) {
	for ev := range progress {
		switch e := ev.(type) {
		case sync.CoinsUpdatedEvent:
			log.WithField("count", len(e.CoinStates)).Info("coin states updated")
		case sync.DerivationIndexEvent:
			log.WithField("next_index", e.NextIndex).Info("derivation frontier extended")
		}
	}
}
