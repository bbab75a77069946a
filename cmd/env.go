package main

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-sync/internal/catalog"
	"github.com/sells-group/portal-sync/internal/crawl"
	"github.com/sells-group/portal-sync/internal/fetcher"
	"github.com/sells-group/portal-sync/internal/metrics"
	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/resilience"
	"github.com/sells-group/portal-sync/internal/runlog"
	"github.com/sells-group/portal-sync/internal/store"
)

// envOpts narrows what a command crawls.
type envOpts struct {
	Workers        int
	Subjects       []string
	Municipalities []string
}

// crawlEnv holds everything a crawl, resume or retry command needs.
type crawlEnv struct {
	Vendor  model.Vendor
	Store   *store.SQLite
	Catalog *catalog.Catalog
	ErrLog  *runlog.ErrorLog
	Engine  *crawl.Engine

	stopMetrics context.CancelFunc
}

// Close stops the metrics endpoint and closes the store.
func (e *crawlEnv) Close() {
	if e.stopMetrics != nil {
		e.stopMetrics()
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

var (
	recorderOnce sync.Once
	recorder     *metrics.Recorder
	recorderErr  error
)

// metricsRecorder registers the crawl collectors once per process.
func metricsRecorder() (*metrics.Recorder, error) {
	recorderOnce.Do(func() {
		recorder, recorderErr = metrics.New(nil)
	})
	return recorder, recorderErr
}

func currentVendor() (model.Vendor, error) {
	if vendorName == "" {
		return "", eris.New("--vendor is required")
	}
	return model.ParseVendor(vendorName)
}

// openStore opens and migrates the vendor's store.
func openStore(ctx context.Context, vendor model.Vendor) (*store.SQLite, error) {
	st, err := store.Open(ctx, cfg.StorePath(vendor))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initCrawl loads the catalog, opens the store and wires the engine.
// A missing catalog file or an unwritable store is fatal.
func initCrawl(ctx context.Context, opts envOpts) (*crawlEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vendor, err := currentVendor()
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(vendor, cfg.MunicipalitiesPath(), cfg.SubjectsPath(vendor))
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}
	if cat, err = cat.Filter(opts.Subjects, opts.Municipalities); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, vendor)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	rec, err := metricsRecorder()
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	env := &crawlEnv{Vendor: vendor, Store: st, Catalog: cat}
	if cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		env.stopMetrics = cancel
		go func() {
			if err := metrics.Serve(mctx, cfg.Metrics.Addr, nil); err != nil {
				zap.L().Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	client := fetcher.New(fetcher.Options{
		UserAgent:  cfg.Crawl.UserAgent,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		RatePerSec: cfg.Fetch.RatePerSec,
		Retry:      resilience.FromRetryConfig(cfg.Fetch.MaxAttempts, cfg.Fetch.InitialBackoffMs, cfg.Fetch.MaxBackoffMs),
		Circuit:    resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs),
	})

	workers := opts.Workers
	if workers <= 0 {
		workers = cfg.Crawl.Workers
	}
	env.ErrLog = runlog.NewErrorLog(cfg.ErrorLogPath(vendor))
	env.Engine = crawl.New(st, client, cat, env.ErrLog, crawl.Options{
		Workers: workers,
		Delay:   time.Duration(cfg.Crawl.DelayMs) * time.Millisecond,
		Metrics: rec,
	})

	zap.L().Info("crawl environment ready",
		zap.String("vendor", vendor.String()),
		zap.Int("municipalities", len(cat.Municipalities)),
		zap.Int("subjects", len(cat.Subjects)),
		zap.Int("workers", workers),
		zap.String("store", st.Path()),
	)
	return env, nil
}
