package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/conn"
	"github.com/quantfold/momentum-bot/internal/config"
	"github.com/quantfold/momentum-bot/internal/detect"
	"github.com/quantfold/momentum-bot/internal/execution"
	"github.com/quantfold/momentum-bot/internal/ibgw"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/news"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/pipeline"
	"github.com/quantfold/momentum-bot/internal/position"
	"github.com/quantfold/momentum-bot/internal/store"
	"github.com/quantfold/momentum-bot/internal/trace"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitBrokerFatal = 2
	exitStoreFatal  = 3
)

const drainBudget = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		metricsOn  = flag.String("metrics", "", "metrics listen address (e.g. :8090), empty disables")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	observ.Init(cfg.Log.Level)
	defer observ.Sync()

	shutdownTrace, err := trace.Init(cfg.Trace.Enabled)
	if err != nil {
		observ.Error("trace_init_failed", map[string]any{"err": err.Error()})
		return exitConfig
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownTrace(ctx)
	}()

	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			observ.Error("store_open_failed", map[string]any{"err": err.Error()})
			return exitStoreFatal
		}
		st = pg
	} else {
		observ.Warn("store_in_memory", map[string]any{"hint": "set store.dsn or STORE_DSN for durable trade records"})
		st = store.NewMemory()
	}
	defer st.Close()

	if *metricsOn != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/healthz", observ.Health())
		go func() {
			if err := http.ListenAndServe(*metricsOn, mux); err != nil {
				observ.Warn("metrics_server_stopped", map[string]any{"err": err.Error()})
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wiring: bridge -> news -> detect -> execution -> position, joined by
	// bounded queues; the supervisor drives the session and the gate.
	client := ibgw.NewTCPClient(cfg.Broker.Host, cfg.Broker.Port)
	reg := broker.NewRegistry()
	bridge := broker.NewBridge(client, reg, broker.Config{
		Host:            cfg.Broker.Host,
		Port:            cfg.Broker.Port,
		ClientID:        cfg.Broker.ClientID,
		PrimaryExchange: cfg.Broker.PrimaryExchange,
		MaxMsgsPerSec:   cfg.Broker.MaxMsgsPerSec,
		ConnectTimeout:  time.Duration(cfg.Broker.ConnectTimeoutSec) * time.Second,
		OrderTimeout:    time.Duration(cfg.Risk.OrderTimeoutSec) * time.Second,
		BarTimeout:      time.Duration(cfg.Detection.BarFetchSec) * time.Second,
		SnapshotTimeout: time.Duration(cfg.Detection.SnapshotSec) * time.Second,
	})

	tickerQ := pipeline.NewQueue[model.TickerEvent](1024, pipeline.Block)
	signalQ := pipeline.NewQueue[model.TradeSignal](1024, pipeline.Block)

	extractor := news.NewExtractor(cfg.Extractor.URL, time.Duration(cfg.Extractor.TimeoutMs)*time.Millisecond, cfg.Extractor.MaxReqPerSec)
	newsStage := news.NewStage(bridge.News, tickerQ, extractor, cfg.Extractor.MinConfidence, time.Duration(cfg.News.DedupeWindowSec)*time.Second)

	cooldown := detect.NewCooldown(time.Duration(cfg.Detection.CooldownSec) * time.Second)
	detectStage := detect.NewStage(tickerQ, signalQ, bridge, cooldown, detect.Params{
		PriceMult:   decimal.NewFromFloat(cfg.Detection.PriceMult),
		VolMult:     decimal.NewFromFloat(cfg.Detection.VolMult),
		WorkerCount: cfg.Detection.WorkerCount,
	})

	book := position.NewBook()

	// The checklist closures run only after supervisor.Run starts, by which
	// time the stages below are constructed.
	var (
		execStage *execution.Stage
		posSup    *position.Supervisor
	)
	supervisor := conn.NewSupervisor(bridge, conn.Checklist{
		ReconcilePositions: func(ctx context.Context) error {
			return reconcilePositions(ctx, st, book, posSup)
		},
		SubscribeNews: func(ctx context.Context) error {
			return bridge.SubscribeNews(ctx, cfg.News.ProviderCode)
		},
		RefreshAccount: func(ctx context.Context) error {
			summary, err := bridge.AccountSummary(ctx)
			if err != nil {
				return err
			}
			execStage.SetAccountSummary(summary, cfg.Risk.AccountValueTag)
			return nil
		},
		ResumeQuoteStreams: func(ctx context.Context) error {
			posSup.ResumeStreams()
			return nil
		},
	}, conn.DefaultBackoff(), 0)

	execStage = execution.NewStage(signalQ, supervisor, bridge, st, book, execution.Params{
		RiskPerTrade:    decimal.NewFromFloat(cfg.Risk.PerTradeFraction),
		TakeProfitPct:   decimal.NewFromFloat(cfg.Risk.TakeProfitPct),
		MaxHold:         time.Duration(cfg.Risk.MaxHoldSec) * time.Second,
		AllowShort:      cfg.Risk.AllowShort,
		AccountValueTag: cfg.Risk.AccountValueTag,
		AccountStale:    time.Duration(cfg.Risk.AccountStaleSec) * time.Second,
	})
	execStage.OnStoreFailure = supervisor.Degrade

	posSup = position.NewSupervisor(book, bridge, execStage.Exits(), execStage.Opened, st)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stages := startStages(runCtx, newsStage, detectStage, execStage, posSup)
	supDone := make(chan error, 1)
	go func() { supDone <- supervisor.Run(runCtx) }()

	code := exitOK
	select {
	case <-ctx.Done():
		observ.Log("shutdown_signal", nil)
	case err := <-supDone:
		if errors.Is(err, conn.ErrBackoffExhausted) || broker.IsKind(err, broker.KindInvariant) {
			code = exitBrokerFatal
		}
	}

	// Shutdown: stop producers, give each stage a drain window, then stop
	// the bridge last after cancelling subscriptions.
	cancel()
	tickerQ.Close()
	signalQ.Close()
	waitTimeout(stages, drainBudget)
	bridge.Disconnect()
	observ.Log("shutdown_complete", map[string]any{"code": code})
	return code
}

type runner interface {
	Run(ctx context.Context)
}

func startStages(ctx context.Context, rs ...runner) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var sub []chan struct{}
		for _, r := range rs {
			r := r
			d := make(chan struct{})
			sub = append(sub, d)
			go func() {
				defer close(d)
				r.Run(ctx)
			}()
		}
		for _, d := range sub {
			<-d
		}
	}()
	return done
}

func waitTimeout(done chan struct{}, budget time.Duration) {
	select {
	case <-done:
	case <-time.After(budget):
		observ.Warn("shutdown_drain_timeout", map[string]any{"budget_ms": budget.Milliseconds()})
	}
}

// reconcilePositions reloads open positions from the durable store into the
// book and restarts their watchers. Runs on every (re)connect.
func reconcilePositions(ctx context.Context, st store.Store, book *position.Book, sup *position.Supervisor) error {
	open, err := st.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, p := range open {
		if _, tracked := book.Get(p.ID); tracked {
			continue
		}
		if book.HasOpen(p.Symbol) {
			// Two live positions on one symbol means the records cannot be
			// trusted; trading on top of them would compound the damage.
			return &broker.Error{Kind: broker.KindInvariant, Msg: "multiple open positions for " + p.Symbol}
		}
		book.Add(p)
		sup.Track(ctx, p)
		observ.Log("position_reconciled", map[string]any{"position_id": p.ID, "symbol": p.Symbol})
	}
	return nil
}
