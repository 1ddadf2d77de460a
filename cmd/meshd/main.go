// Command meshd runs a content mesh node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/config"
	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/p2p"
	"github.com/contentmesh/go-mesh/service"
	"github.com/contentmesh/go-mesh/store"
)

var log = logging.Logger("mesh/meshd")

var rootCmd = &cobra.Command{
	Use:     "meshd",
	Short:   "Content mesh node",
	Version: mesh.Version,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration and generate the node identity",
	RunE:  runInit,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the node",
	RunE:  runDaemon,
}

var (
	configPath string
	debug      bool
	listenAddr string
	networkID  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	initCmd.Flags().StringVar(&networkID, "network", "", "network id to write into the config")
	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(initCmd, daemonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	cfg := config.Default()
	if networkID != "" {
		cfg.Network.ID = networkID
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	dsPath := cfg.Storage.Path
	if !filepath.IsAbs(dsPath) {
		dsPath = filepath.Join(filepath.Dir(configPath), dsPath)
	}
	ds, err := leveldb.NewDatastore(dsPath, nil)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer ds.Close()

	key, _, err := loadIdentity(cmd.Context(), ds)
	if err != nil {
		return err
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\npeer id: %s\n", configPath, id)
	return nil
}

func runDaemon(cmd *cobra.Command, _ []string) (err error) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !debug {
		lvl, _ := cfg.LogLevel()
		logging.SetAllLoggers(logging.LogLevel(lvl))
	}

	ds, err := leveldb.NewDatastore(cfg.Storage.Path, nil)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() {
		err = errors.Join(err, ds.Close())
	}()

	key, created, err := loadIdentity(ctx, ds)
	if err != nil {
		return err
	}
	if created {
		log.Infow("generated node identity")
	}

	st, err := store.NewStore(ds, cfg.StoreOptions()...)
	if err != nil {
		return err
	}

	netOpts, err := cfg.P2POptions()
	if err != nil {
		return err
	}
	netOpts = append(netOpts, p2p.WithPrivKey(key), p2p.WithDatastore(ds))

	waker := engine.NewWaker()
	stack, err := p2p.NewStack(ctx, st.Blockstore(), waker, netOpts...)
	if err != nil {
		return err
	}
	eng, err := engine.New(stack.Protocols(), stack.EngineOptions()...)
	if err != nil {
		return errors.Join(err, stack.DHT.Close(), stack.Host.Close())
	}
	if err := stack.Start(ctx); err != nil {
		return errors.Join(err, eng.Close())
	}

	svc, err := service.New(eng, waker, st, logAnnouncer{}, cfg.ServiceOptions()...)
	if err != nil {
		return errors.Join(err, stopStack(stack, eng))
	}
	if err := svc.Start(ctx); err != nil {
		return errors.Join(err, stopStack(stack, eng))
	}

	log.Infow("node running", "peer", stack.Host.ID(), "network", cfg.Network.ID)
	for _, addr := range stack.Host.Addrs() {
		log.Infow("listening", "addr", addr)
	}

	logEvents(ctx, svc)

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer stopCancel()
	return errors.Join(svc.Stop(stopCtx), stopStack(stack, eng))
}

func stopStack(stack *p2p.Stack, eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return errors.Join(stack.Stop(ctx), eng.Close())
}

// logEvents consumes the service's events until ctx is done.
func logEvents(ctx context.Context, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-svc.Events():
			switch ev := ev.(type) {
			case engine.PeerConnected:
				log.Debugw("peer connected", "peer", ev.Peer)
			case engine.PeerDisconnected:
				log.Debugw("peer disconnected", "peer", ev.Peer)
			case engine.NatStatusChanged:
				log.Infow("reachability changed", "old", ev.Old, "new", ev.New)
			case engine.GossipMessage:
				log.Debugw("gossip", "topic", ev.Topic, "peer", ev.Peer, "size", len(ev.Data))
			case engine.BlockExchangeOutcome:
				log.Debugw("block query done", "cid", ev.CID, "found", ev.Found)
			case engine.RequestMessage:
				// the daemon serves content requests only
				resp := mesh.Response{Status: mesh.StatusInvalid, CID: ev.Request.CID}
				if err := ev.Channel.Send(resp); err != nil {
					log.Debugw("refusing request", "peer", ev.Peer, "type", ev.Request.Type, "err", err)
				}
			default:
				log.Debugw("event", "type", fmt.Sprintf("%T", ev))
			}
		}
	}
}

// logAnnouncer stands in for the advertisement pipeline.
type logAnnouncer struct{}

func (logAnnouncer) Announce(_ context.Context, addr ma.Multiaddr) error {
	log.Infow("advertising address", "addr", addr)
	return nil
}
