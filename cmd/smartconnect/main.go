package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"smartconnect/common"
	"smartconnect/config"
	"smartconnect/handshake"
	"smartconnect/orchestrator"
	"smartconnect/probing"
	"smartconnect/session"
	"smartconnect/storage"
	"smartconnect/structs"
)

// logSink shows handshake directives in the log
type logSink struct{}

func (logSink) ShowMessage(message string) {
	log.Infof("[Handshake] message from server: %s", message)
}

func (logSink) PromptUpdate(force bool) {
	if force {
		log.Warnf("[Handshake] a mandatory update is available")
		return
	}
	log.Infof("[Handshake] an update is available")
}

func main() {
	configPath := flag.String("config", "smartconnect.toml", "path to the TOML config file")
	connect := flag.Bool("connect", false, "run smart connect after the handshake")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading configuration failed, err:%v", err)
	}
	common.SetupLogger(cfg.LogLevel, cfg.LogDir, "smartconnect.log")

	store, err := storage.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("opening store failed, err:%v", err)
	}

	var sess orchestrator.Session
	if cfg.Session.Command == "" {
		log.Warnf("no session command configured, running without a core")
		sess = session.NewNoopSession()
	} else {
		sess = session.NewCommandSession(cfg.Session.Command, cfg.Session.Args, cfg.StartupGrace())
	}

	primary, secondary, err := cfg.HandshakeEndpoints()
	if err != nil {
		log.Fatalf("invalid handshake endpoints, err:%v", err)
	}
	hs := handshake.NewService(handshake.NewClient(primary, secondary, cfg.HandshakeTimeouts()), logSink{}, store)

	strategy, _ := probing.ParseStrategy(cfg.SmartConnect.Strategy)
	orch := orchestrator.New(store, sess, probing.NewPool(cfg.SmartConnect.MaxConcurrency), orchestrator.Config{
		Strategy:     strategy,
		ProbeBudget:  cfg.ProbeBudget(),
		ProbeTimeout: cfg.ProbeTimeout(),
		TestURL:      cfg.SmartConnect.TestURL,
		AutoReset:    cfg.SmartConnect.AutoReset,
	})
	defer orch.Close()

	orch.SubscribeState(func(c orchestrator.StateChange) {
		if c.Err != nil {
			log.Warnf("state %s -> %s: %v", c.From, c.To, c.Err)
		}
	})
	orch.SubscribeRanking(func(r orchestrator.RankedList) {
		for i, id := range r.Ranked {
			log.Infof("rank %d: %s %s", i+1, id, latencyOf(r.Results, id))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	handshakeDone := hs.Start(cfg.ClientVersion)

	if *connect || cfg.SmartConnect.OnStart {
		g.Go(func() error {
			// bundled configs must be imported before the servers are probed
			select {
			case <-handshakeDone:
			case <-gctx.Done():
				return nil
			}
			if err := orch.SmartConnect(gctx); err != nil && !errors.Is(err, orchestrator.ErrCancelled) {
				log.Errorf("smart connect failed: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return handleControlSignals(gctx, orch, strategy)
	})

	log.Infof("smartconnect started, store=%s, strategy=%s", cfg.Storage.DataDir, strategy)
	<-ctx.Done()
	log.Infof("received signal, shutting down")

	if orch.State() == structs.StateConnected {
		if err := orch.Disconnect(); err != nil {
			log.Warnf("disconnect failed: %v", err)
		}
	} else {
		orch.Cancel()
	}
	if err := g.Wait(); err != nil {
		log.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}

// handleControlSignals maps SIGHUP to a session restart and SIGUSR1 to a probe of all servers
func handleControlSignals(ctx context.Context, orch *orchestrator.Orchestrator, strategy probing.Strategy) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := orch.Restart(); err != nil {
					log.Warnf("restart failed: %v", err)
				}
			case syscall.SIGUSR1:
				if _, err := orch.TestAll(ctx, strategy); err != nil {
					log.Warnf("test all failed: %v", err)
				}
			}
		}
	}
}

func latencyOf(results []structs.ProbeResult, id string) structs.Latency {
	for _, r := range results {
		if r.ServerID == id {
			return r.Latency
		}
	}
	return structs.Unreachable
}
