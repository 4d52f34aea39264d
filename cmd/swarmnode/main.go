package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmnode/internal/bus"
	"swarmnode/internal/config"
	"swarmnode/internal/handler"
	"swarmnode/internal/httpapi"
	"swarmnode/internal/logging"
	"swarmnode/internal/ratelimit"
	"swarmnode/internal/snode"
	"swarmnode/internal/stats"
	"swarmnode/internal/store"
	"swarmnode/internal/worker"
)

const version = "2.0.0"

func main() {
	var (
		cfgFile string
		flags   config.Config
	)

	root := &cobra.Command{
		Use:     "swarmnode",
		Short:   "Storage service node for the decentralized messaging network",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			return run(cfg)
		},
	}

	root.Flags().StringVar(&cfgFile, "config", "", "path to config file")
	root.Flags().StringVar(&flags.IP, "ip", "0.0.0.0", "public IPv4 address to advertise")
	root.Flags().Uint16Var(&flags.Port, "port", 8080, "client HTTPS port")
	root.Flags().Uint16Var(&flags.LMQPort, "lmq-port", 8081, "node-to-node bus port")
	root.Flags().StringVar(&flags.LogLevel, "log-level", "info", "trace|debug|info|warn|error|critical")
	root.Flags().StringVar(&flags.DataDir, "data-dir", "", "directory for keys and the message store")
	root.Flags().BoolVar(&flags.Testnet, "testnet", false, "use testnet limits and timings")
	root.Flags().BoolVar(&flags.ForceStart, "force-start", false, "serve requests before joining a swarm")
	root.Flags().BoolVar(&flags.LMQQuic, "lmq-quic", false, "also listen for bus traffic over QUIC")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlags lets explicitly-set flags win over the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags config.Config) {
	if cmd.Flags().Changed("ip") {
		cfg.IP = flags.IP
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flags.Port
	}
	if cmd.Flags().Changed("lmq-port") {
		cfg.LMQPort = flags.LMQPort
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = flags.DataDir
	}
	if cmd.Flags().Changed("testnet") {
		cfg.Testnet = flags.Testnet
	}
	if cmd.Flags().Changed("force-start") {
		cfg.ForceStart = flags.ForceStart
	}
	if cmd.Flags().Changed("lmq-quic") {
		cfg.LMQQuic = flags.LMQQuic
	}
}

func run(cfg config.Config) error {
	log, err := logging.Init(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting swarmnode",
		zap.String("version", version),
		zap.String("ip", cfg.IP),
		zap.Uint16("port", cfg.Port),
		zap.Uint16("lmq_port", cfg.LMQPort),
		zap.Bool("testnet", cfg.Testnet))

	cipher, signer, legacyPK, err := loadIdentity(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info("node identity",
		zap.String("pubkey_legacy", legacyPK.Hex()),
		zap.String("pubkey_ed25519", signer.Pubkey().Hex()),
		zap.String("pubkey_x25519", cipher.Pubkey().Hex()))

	var msgs *store.Store
	if cfg.DataDir == "" {
		log.Warn("no data dir configured; messages are kept in memory only")
		msgs, err = store.OpenMemory()
	} else {
		msgs, err = store.Open(filepath.Join(cfg.DataDir, "messages"))
	}
	if err != nil {
		return err
	}
	defer msgs.Close()

	ourAddress := snode.NodeRecord{
		IP:            cfg.IP,
		Port:          cfg.Port,
		LMQPort:       cfg.LMQPort,
		PubkeyLegacy:  legacyPK,
		PubkeyEd25519: signer.Pubkey(),
		PubkeyX25519:  cipher.Pubkey(),
	}
	tracker := snode.NewTracker(ourAddress, log.Named("swarm"))
	st := stats.New()
	limiter := ratelimit.New(ratelimit.Options{})
	pool := worker.NewPool(8, 256)
	peers := &bus.Client{UseQUIC: cfg.LMQQuic}
	limits := cfg.Limits()

	h := handler.New(handler.Options{
		Cipher:     cipher,
		Tracker:    tracker,
		Store:      msgs,
		Stats:      st,
		Signer:     signer,
		Peers:      peers,
		Limits:     limits,
		ForceStart: cfg.ForceStart,
	}, log.Named("handler"))

	busSrv := bus.NewServer(h.BusHandler(limiter), limits.SessionTimeout, log.Named("bus"))
	busAddr := net.JoinHostPort("0.0.0.0", fmt.Sprint(cfg.LMQPort))
	if err := busSrv.ListenTCP(busAddr); err != nil {
		return err
	}
	if cfg.LMQQuic {
		if err := busSrv.ListenQUIC(busAddr); err != nil {
			return err
		}
	}

	api := httpapi.NewServer(httpapi.Options{
		Handler:  h,
		Pool:     pool,
		Limiter:  limiter,
		Stats:    st,
		Limits:   limits,
		StatsKey: cfg.StatsAccessKey,
	}, log.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.ListenAndServe(net.JoinHostPort("0.0.0.0", fmt.Sprint(cfg.Port)))
	}()

	updater := newSwarmUpdater(cfg, tracker, msgs, peers, log.Named("updates"))
	stopUpdates := updater.start()
	defer stopUpdates()

	stopPrune := startPruner(msgs, log)
	defer stopPrune()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := busSrv.Close(); err != nil {
		log.Warn("bus shutdown incomplete", zap.Error(err))
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Warn("worker pool drain incomplete", zap.Error(err))
	}
	log.Info("bye")
	return nil
}


func startPruner(msgs *store.Store, log *zap.Logger) func() {
	ticker := time.NewTicker(10 * time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				removed, err := msgs.Prune()
				if err != nil {
					log.Warn("message prune failed", zap.Error(err))
				} else if removed > 0 {
					log.Debug("pruned expired messages", zap.Int("count", removed))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
