// Command node runs a full node: final ledger, block graph, execution
// scheduler, VM worker, peer gossip, bootstrap and client gateway wired
// together in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-network/corenode/core"
	pkgconfig "github.com/synnergy-network/corenode/pkg/config"
	"github.com/synnergy-network/corenode/pkg/utils"
)

var (
	cfgFile       string
	bootstrapFlag []string
	privKeyPath   string
	publicAddr    string
	privateAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "run a Synnergy core node",
		RunE:  runNode,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "name of an environment config merged over default.yaml (e.g. \"bootstrap\")")
	root.Flags().StringSliceVar(&bootstrapFlag, "bootstrap-peer", nil, "override the configured bootstrap peer list (repeatable)")
	root.Flags().StringVar(&privKeyPath, "private-key", "", "path to this node's private key file (stored unencrypted)")
	root.Flags().StringVar(&publicAddr, "public-addr", "127.0.0.1:9100", "address the operation-submission gateway listens on")
	root.Flags().StringVar(&privateAddr, "private-addr", "127.0.0.1:9101", "address the node admin gateway listens on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	var cfg *pkgconfig.Config
	var err error
	if cfgFile != "" {
		cfg, err = pkgconfig.Load(cfgFile)
	} else {
		cfg, err = pkgconfig.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger := logrus.StandardLogger()
	logger.SetLevel(level)

	bootstrapPeers := cfg.Network.BootstrapPeers
	if len(bootstrapFlag) > 0 {
		bootstrapPeers = bootstrapFlag
	}

	kp, err := loadOrCreateKeyPair(privKeyPath)
	if err != nil {
		return fmt.Errorf("load node keypair: %w", err)
	}
	logger.Infof("node identity address: %s", core.NewAddressFromPublicKey(mustPub(kp)).String())

	ledger, err := core.OpenFinalLedger(core.FinalLedgerConfig{
		StorePath:         cfg.Storage.DBPath,
		InitialLedgerPath: cfg.Network.GenesisFile,
	})
	if err != nil {
		return fmt.Errorf("open final ledger: %w", err)
	}
	defer ledger.Close()

	rolls := core.NewRollManager(uint64(cfg.Consensus.PeriodsPerCycle), uint64(cfg.Consensus.DrawLookbackCycles))

	driver := core.NewVMDriver(ledger, rolls, cfg.Execution.StepGasLimit, core.NewAmount(cfg.Execution.GasPrice), core.NewAmount(cfg.Consensus.RollPrice))
	go driver.Run()
	defer driver.Stop()

	genesis := time.UnixMilli(cfg.Consensus.GenesisUnixMS)
	clock := core.NewSlotClock(genesis, time.Duration(cfg.Consensus.BlockTimeMS)*time.Millisecond, uint8(cfg.Consensus.Threads))

	sched := core.NewExecutionScheduler(driver, clock, uint8(cfg.Consensus.Threads))
	graph := core.NewBlockGraph(uint8(cfg.Consensus.Threads), uint64(cfg.Consensus.FinalityThreshold), uint64(cfg.Consensus.PeriodsPerCycle), rolls, func(ev core.BlockCliqueChanged) {
		sched.OnBlockCliqueChanged(ev, clock.Now(time.Now()))
	})

	netCfg := core.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: bootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}
	node, err := core.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	pm := core.NewPeerManagement(node)
	if cfg.Network.DiscoveryTag != "" {
		if adverts, err := node.Subscribe(cfg.Network.DiscoveryTag); err != nil {
			logger.Warnf("subscribe %s: %v", cfg.Network.DiscoveryTag, err)
		} else {
			go func() {
				for msg := range adverts {
					logger.Debugf("peer advertisement from %s", msg.From)
				}
			}()
		}
		if err := pm.AdvertiseSelf(cfg.Network.DiscoveryTag); err != nil {
			logger.Debugf("advertise self: %v", err)
		}
	}

	pool := core.NewInMemoryOperationPool()
	propagator := core.NewPropagator(core.PropagationConfig{
		Fanout:                8,
		BatchProcPeriod:       time.Duration(cfg.Protocol.OperationBatchProcPeriodMS) * time.Millisecond,
		AskedPruneInterval:    time.Minute,
		AskedEntryTTL:         5 * time.Minute,
		MaxOperationsPerBatch: cfg.Protocol.MaxOperationsPerBatch,
	}, logger, pm, pool)
	propagator.Start()
	defer propagator.Stop()

	replicator := core.NewReplicator(core.ReplicationConfig{Fanout: 8, RequestTimeout: 5 * time.Second}, logger, graph, clock, pm)
	replicator.Start()
	defer replicator.Stop()

	bootServer := core.NewBootstrapServer(core.BootstrapServerConfig{
		PerIPMinInterval: time.Duration(cfg.Bootstrap.PerIPMinIntervalMS) * time.Millisecond,
		IPListMaxSize:    cfg.Bootstrap.IPListMaxSize,
		MaxSimultaneous:  cfg.Bootstrap.MaxSimultaneous,
		CacheDuration:    time.Duration(cfg.Bootstrap.CacheDurationSeconds) * time.Second,
		LedgerPartSize:   cfg.Bootstrap.LedgerPartSize,
	}, node, graph, ledger, rolls, logger)
	bootServer.Start()

	health, err := core.NewHealthLogger(graph, sched, driver, pm, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("start health logger: %w", err)
	}
	defer health.Close()
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	go health.RunMetricsCollector(metricsCtx, 15*time.Second)
	defer stopMetrics()
	metricsAddr := fmt.Sprintf("127.0.0.1:%d", utils.EnvOrDefaultInt("SYNN_METRICS_PORT", 9102))
	metricsSrv, err := health.StartMetricsServer(metricsAddr)
	if err != nil {
		logger.Warnf("metrics server: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			health.ShutdownMetricsServer(ctx, metricsSrv)
		}()
	}

	stopping := make(chan struct{})
	var stopOnce sync.Once
	gateway := core.NewClientGateway(logger, pool, propagator, func() {
		stopOnce.Do(func() { close(stopping) })
	})
	if err := gateway.Start(publicAddr, privateAddr); err != nil {
		logger.Warnf("client gateway: %v", err)
	}
	defer gateway.Stop()

	tickStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Consensus.BlockTimeMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				graph.Tick(clock.Now(time.Now()))
			case <-tickStop:
				return
			}
		}
	}()
	defer close(tickStop)

	if len(bootstrapPeers) > 0 {
		bootClient := core.NewBootstrapClient(core.BootstrapClientConfig{
			ConnectTimeout: time.Duration(cfg.Bootstrap.ConnectTimeoutMS) * time.Millisecond,
			RetryDelay:     time.Duration(cfg.Bootstrap.RetryDelayMS) * time.Millisecond,
			MaxPing:        time.Duration(cfg.Bootstrap.MaxPingMS) * time.Millisecond,
			LedgerPartSize: cfg.Bootstrap.LedgerPartSize,
		}, node, graph, ledger, rolls, clock, logger)
		for _, addr := range bootstrapPeers {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Bootstrap.ConnectTimeoutMS)*time.Millisecond*2)
			err := bootClient.Bootstrap(ctx, addr)
			cancel()
			if err != nil {
				logger.Warnf("bootstrap against %s failed: %v", addr, err)
				continue
			}
			logger.Infof("bootstrapped from %s", addr)
			break
		}
	}

	logger.Infof("node started: listen=%s threads=%d", cfg.Network.ListenAddr, cfg.Consensus.Threads)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutdown signal received")
	case <-stopping:
		logger.Info("stop requested via admin gateway")
	}
	return nil
}

func loadOrCreateKeyPair(path string) (*core.KeyPair, error) {
	if path == "" {
		return core.GenerateKeyPair()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		kp, err := core.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		raw, err := kp.Priv.Raw()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write private key: %w", err)
		}
		return kp, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return &core.KeyPair{Priv: priv, Pub: priv.GetPublic()}, nil
}

func mustPub(kp *core.KeyPair) []byte {
	b, err := kp.PublicKeyBytes()
	if err != nil {
		panic(err)
	}
	return b
}
