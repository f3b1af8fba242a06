package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spherical/flyer-offers/internal/cache"
	"github.com/spherical/flyer-offers/internal/config"
	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/extract"
	"github.com/spherical/flyer-offers/internal/llm"
	"github.com/spherical/flyer-offers/internal/metrics"
	"github.com/spherical/flyer-offers/internal/normalize"
	"github.com/spherical/flyer-offers/internal/observability"
	"github.com/spherical/flyer-offers/internal/ocr"
	"github.com/spherical/flyer-offers/internal/pdf"
	"github.com/spherical/flyer-offers/internal/pipeline"
	"github.com/spherical/flyer-offers/internal/render"
	"github.com/spherical/flyer-offers/internal/source"
	"github.com/spherical/flyer-offers/internal/storage"
)

// loadConfig loads the config file and builds the process logger.
func loadConfig() (*config.Config, *observability.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Observability.LogLevel
	if verbose {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Observability.LogFormat,
		Output:      os.Stderr,
		ServiceName: "flyer-offers",
	})
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Options{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		SnapshotPath: cfg.Storage.SnapshotPath,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

// resolveWeek parses a week flag, defaulting to the current ISO week.
func resolveWeek(flag string, now time.Time) (domain.WeekKey, error) {
	if flag == "" {
		return domain.WeekKeyFor(now), nil
	}
	return domain.ParseWeekKey(flag)
}

// resolveRetailers parses retailer flags. Empty means every configured
// retailer, or every supported one when none is configured.
func resolveRetailers(flags []string, cfg *config.Config) ([]domain.Retailer, error) {
	var names []string
	for _, f := range flags {
		for _, n := range strings.Split(f, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	if len(names) == 0 {
		for _, rc := range cfg.Retailers {
			names = append(names, rc.Name)
		}
	}
	if len(names) == 0 {
		return append([]domain.Retailer(nil), domain.SupportedRetailers...), nil
	}

	seen := make(map[domain.Retailer]bool)
	var out []domain.Retailer
	for _, n := range names {
		r, err := domain.ParseRetailer(n)
		if err != nil {
			return nil, err
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// profiles builds the per-retailer extraction profiles once.
func profiles(cfg *config.Config) pipeline.ProfileFunc {
	table := make(map[domain.Retailer]pipeline.Profile, len(domain.SupportedRetailers))
	for _, r := range domain.SupportedRetailers {
		rc := cfg.Retailer(r)
		table[r] = pipeline.Profile{
			ImageStrategy: cfg.ImageStrategyFor(r),
			WindowBefore:  cfg.Extract.WindowBefore,
			WindowAfter:   cfg.Extract.WindowAfter,
			Boilerplate:   rc.Boilerplate,
			Brands:        extract.NewBrandTable(rc.Brands),
		}
	}
	return func(r domain.Retailer) pipeline.Profile { return table[r] }
}

func newCache(cfg *config.Config) (cache.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   "flyer-offers:",
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries, cfg.Cache.TTL), nil
}

func newRenderer(cfg *config.Config, logger *observability.Logger) domain.Renderer {
	if cfg.Render.Driver == "static" {
		return render.NewStaticRenderer(render.StaticConfig{
			Timeout:   cfg.Render.Timeout,
			UserAgent: cfg.Render.UserAgent,
		}, logger)
	}
	return render.NewRodRenderer(render.RodConfig{
		Timeout:   cfg.Render.Timeout,
		UserAgent: cfg.Render.UserAgent,
	}, logger)
}

// runtime holds the wired collaborators of one CLI invocation.
type runtime struct {
	store        storage.Store
	cache        cache.Client
	converter    *pdf.Converter
	loader       *pipeline.Loader
	orchestrator *pipeline.Orchestrator
	metrics      *metrics.Metrics
	server       *metrics.Server
	logger       *observability.Logger
}

// buildRuntime wires every collaborator from cfg.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*runtime, error) {
	rt := &runtime{metrics: metrics.New(), logger: logger}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		rt.server = metrics.StartServer(addr, rt.metrics, logger)
	}

	var err error
	rt.cache, err = newCache(cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	client := llm.NewClient(llm.Config{
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		MaxTokens:         cfg.LLM.MaxTokens,
	})

	dispatcher := dispatch.New(dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		BatchPause:  cfg.Dispatch.BatchPause,
		CallTimeout: cfg.Dispatch.CallTimeout,
		Retry: dispatch.RetryPolicy{
			MaxRetries:     cfg.Dispatch.MaxRetries,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
		},
	}, logger, rt.metrics)

	vision := extract.NewVisionExtractor(extract.VisionConfig{
		LLM:          client,
		Dispatcher:   dispatcher,
		Cache:        rt.cache,
		CacheTTL:     cfg.Cache.TTL,
		Model:        client.Model(),
		Instructions: llm.ProductInstructions,
		Metrics:      rt.metrics,
		Logger:       logger,
	})
	tesseract := ocr.NewTesseract(ocr.Config{
		Binary:   cfg.OCR.Binary,
		Language: cfg.OCR.Language,
		Timeout:  cfg.OCR.Timeout,
	}, logger)
	extractor := extract.NewExtractor(vision, extract.NewOCRExtractor(tesseract, dispatcher, logger))

	scriptIDs := make(map[domain.Retailer][]string)
	for _, rc := range cfg.Retailers {
		if r, err := domain.ParseRetailer(rc.Name); err == nil && len(rc.ScriptIDs) > 0 {
			scriptIDs[r] = rc.ScriptIDs
		}
	}
	rt.converter = pdf.NewConverter(pdf.DefaultQuality)
	adapter := source.NewAdapter(rt.converter, source.Options{
		AssetsDir: cfg.Pipeline.AssetsDir,
		ScriptIDs: scriptIDs,
	}, logger)

	rt.store, err = openStore(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	p := pipeline.New(pipeline.Config{
		Adapter:    adapter,
		Extractor:  extractor,
		Normalizer: normalize.New(nil),
		Store:      rt.store,
		Profiles:   profiles(cfg),
		Metrics:    rt.metrics,
		Logger:     logger,
	})

	rt.loader = pipeline.NewLoader(nil, newRenderer(cfg, logger), domain.RenderOptions{
		Timeout:     cfg.Render.Timeout,
		UserAgent:   cfg.Render.UserAgent,
		ScrollToEnd: true,
	}, logger)

	load := func(ctx context.Context, r domain.Retailer, w domain.WeekKey) (domain.RawSource, error) {
		return rt.loader.Load(ctx, cfg.Retailer(r), w, "")
	}
	rt.orchestrator = pipeline.NewOrchestrator(p, load, cfg.Pipeline.MaxConcurrentRuns, rt.metrics, logger)

	return rt, nil
}

// close releases everything buildRuntime opened. Rasterizer temp files are
// removed here, after every run has finished with them.
func (rt *runtime) close() {
	if rt.converter != nil {
		if err := rt.converter.Cleanup(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to remove rasterized pages")
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.server.Shutdown(ctx)
	}
}
