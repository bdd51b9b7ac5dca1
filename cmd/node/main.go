// Command node runs a wagerchain ledger node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tolelom/wagerchain/config"
	"github.com/tolelom/wagerchain/consensus"
	"github.com/tolelom/wagerchain/crypto"
	"github.com/tolelom/wagerchain/events"
	"github.com/tolelom/wagerchain/indexer"
	"github.com/tolelom/wagerchain/ledger"
	"github.com/tolelom/wagerchain/liveness"
	"github.com/tolelom/wagerchain/metrics"
	"github.com/tolelom/wagerchain/network"
	"github.com/tolelom/wagerchain/node"
	"github.com/tolelom/wagerchain/notify"
	"github.com/tolelom/wagerchain/rpc"
	"github.com/tolelom/wagerchain/storage"
	"github.com/tolelom/wagerchain/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	dev := flag.Bool("dev", false, "human-readable development logging")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	// Keystore password comes from the environment, not flags: flags leak via ps.
	password := os.Getenv("WAGER_PASSWORD")

	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			fatal("generate key", err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			fatal("save key", err)
		}
		fmt.Printf("Validator public key: %s\n", w.PubKey())
		fmt.Printf("Address:              %s\n", w.Address())
		fmt.Printf("Saved to:             %s\n", *keyPath)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fatal("config", err)
	}
	log, err := newLogger(cfg.LogLevel, *dev)
	if err != nil {
		fatal("logger", err)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, *keyPath, password, log); err != nil {
		log.Fatal("node exited", zap.Error(err))
	}
}

func run(cfg *config.Config, keyPath, password string, log *zap.Logger) error {
	log = log.With(zap.String("node", cfg.NodeID))
	if password == "" {
		log.Warn("WAGER_PASSWORD not set; keystore uses an empty password")
	}

	// ---- proposer key (optional) ----
	var key crypto.PrivateKey
	switch k, err := wallet.LoadKey(keyPath, password); {
	case err == nil:
		key = k
	case errors.Is(err, os.ErrNotExist):
		log.Info("no validator key; following the chain only", zap.String("path", keyPath))
	default:
		return fmt.Errorf("load key: %w", err)
	}

	// ---- storage ----
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	store := storage.NewBlockStore(db)

	// ---- chain components ----
	m := metrics.New(nil)
	emitter := events.NewEmitter(log)
	idx := indexer.New(db, emitter, log)

	genesis := cfg.Genesis.Block()
	cc := cfg.Consensus
	led, err := ledger.New(genesis, cfg.Genesis.Alloc, ledger.Options{
		ChainID:     cfg.Genesis.ChainID,
		Retain:      cc.MaxReorgDepth + 1,
		MempoolSize: cc.MempoolSize,
		MaxTxAge:    cc.MaxTxAge.Duration,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	validator := consensus.NewValidator(consensus.ValidatorConfig{
		ChainID:       cfg.Genesis.ChainID,
		Authorized:    cfg.Validators,
		MaxBlockTxs:   cc.MaxBlockTxs,
		MaxClockDrift: cc.MaxClockDrift.Duration,
	})
	tieBreak, err := consensus.ParseTieBreak(cc.TieBreak)
	if err != nil {
		return err
	}
	resolver, err := consensus.NewResolver(genesis, validator, led, consensus.ResolverConfig{
		TieBreak:      tieBreak,
		MaxOrphans:    cc.MaxOrphans,
		MaxFetchDepth: cc.MaxFetchDepth,
		OrphanTTL:     cc.OrphanTTL.Duration,
		StateCache:    cc.MaxReorgDepth + 1,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	monitor := liveness.New(liveness.Config{
		StallTimeout:      cc.StallTimeout.Duration,
		ConfirmationDepth: cc.ConfirmationDepth,
		Emitter:           emitter,
		Logger:            log,
		Metrics:           m,
	})

	var proposer *consensus.Proposer
	if key != nil {
		pub := key.Public().Hex()
		if len(cfg.Validators) == 0 || slices.Contains(cfg.Validators, pub) {
			proposer = consensus.NewProposer(key, cc.MaxBlockTxs, nil)
			log.Info("proposing blocks", zap.String("validator", pub))
		} else {
			log.Warn("key is not an authorised validator; not proposing", zap.String("validator", pub))
		}
	}

	svc, err := node.New(node.Deps{
		Resolver: resolver,
		Ledger:   led,
		Store:    store,
		Monitor:  monitor,
		Emitter:  emitter,
		Proposer: proposer,
	}, node.Config{
		ConfirmationDepth: cc.ConfirmationDepth,
		InboxSize:         cfg.Network.InboxSize,
		BlockInterval:     cc.BlockInterval.Duration,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	if err := svc.Restore(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	log.Info("chain restored",
		zap.String("genesis", genesis.Hash),
		zap.Int64("height", resolver.Height()),
		zap.String("tip", resolver.TipHash()))

	// ---- network ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	p2p := network.NewNode(network.NodeConfig{
		ListenAddr:     cfg.P2PAddr,
		TLS:            tlsCfg,
		MaxPeers:       cfg.Network.MaxPeers,
		MaxMessageSize: cfg.Network.MaxMessageSize,
		Logger:         log,
	})
	agent := network.NewAgent(p2p, store, network.AgentConfig{
		NodeID:           cfg.NodeID,
		ChainID:          cfg.Genesis.ChainID,
		Genesis:          genesis.Hash,
		FetchTimeout:     cfg.Network.FetchTimeout.Duration,
		MaxFetchAttempts: cfg.Network.MaxFetchAttempts,
		DedupSize:        cfg.Network.DedupSize,
		DedupTTL:         cfg.Network.DedupTTL.Duration,
		Logger:           log,
		Metrics:          m,
	})
	agent.SetSink(svc)
	svc.SetNetwork(agent)
	if err := p2p.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	defer p2p.Stop()
	defer agent.Stop()
	log.Info("p2p listening", zap.String("addr", p2p.Addr()), zap.Bool("mtls", tlsCfg != nil))

	// ---- notifications ----
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, "wagerchain-"+cfg.NodeID)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain() //nolint:errcheck
		notify.NewRelay(nc, cfg.NATS.Prefix, emitter, log)
		log.Info("relaying events to NATS", zap.String("url", cfg.NATS.URL))
	}

	// ---- RPC ----
	rpcServer := rpc.NewServer(cfg.RPCAddr, rpc.NewHandler(svc, idx), cfg.RPCAuthToken, m.Registry, log)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop() //nolint:errcheck
	if cfg.RPCAuthToken != "" {
		log.Info("rpc bearer token authentication enabled")
	}

	// ---- loops ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		monitor.Run(ctx, time.Second)
	}()
	go func() {
		defer wg.Done()
		agent.MaintainPeers(ctx, cfg.SeedPeers, cfg.Network.RedialInterval.Duration)
	}()
	var runErr error
	go func() {
		defer wg.Done()
		runErr = svc.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	// Deferred calls then run in LIFO: rpc, nats, agent, p2p, db.
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config file not found at %s, using defaults\n", path)
		cfg = config.DefaultConfig()
		cfg.NodeID = uuid.NewString()
		return cfg, nil
	}
	return cfg, err
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
