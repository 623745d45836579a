package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/qc-copilot/checks"
	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/locator"
	"github.com/aluiziolira/qc-copilot/messaging"
	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/orchestrator"
	"github.com/aluiziolira/qc-copilot/pipeline"
	"github.com/aluiziolira/qc-copilot/store"
	"github.com/aluiziolira/qc-copilot/workload"
)

type options struct {
	fetch    bool
	serve    bool
	remote   string
	decision string
	tenant   string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		slog.Error("qc copilot failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// parseFlags layers flags over environment over defaults.
func parseFlags(args []string) (*config.Config, options, error) {
	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, options{}, err
	}

	var opts options
	fs := flag.NewFlagSet("qccopilot", flag.ContinueOnError)
	fs.StringVar(&cfg.PageURL, "url", cfg.PageURL, "Review page URL")
	fs.StringVar(&cfg.HTMLFile, "html", cfg.HTMLFile, "Saved review page to analyse offline")
	fs.BoolVar(&opts.fetch, "fetch", false, "Download -url over HTTP instead of driving Chrome")
	fs.StringVar(&opts.remote, "remote", "", "DevTools websocket URL of a running Chrome")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run Chrome headless")
	fs.StringVar(&cfg.ChromePath, "chrome", cfg.ChromePath, "Chrome executable")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Analysis mode: sequential or parallel")
	fs.IntVar(&cfg.MaxParallel, "parallel", cfg.MaxParallel, "Tracks analysed at once in parallel mode")
	fs.DurationVar(&cfg.OpenTimeout, "open-timeout", cfg.OpenTimeout, "Time allowed for a modal to open")
	fs.DurationVar(&cfg.CloseTimeout, "close-timeout", cfg.CloseTimeout, "Time allowed for a modal to close")
	fs.DurationVar(&cfg.TrackPause, "pause", cfg.TrackPause, "Pause between tracks")
	fs.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "YAML selector rules")
	fs.StringVar(&cfg.ListsFile, "lists", cfg.ListsFile, "YAML QC lists")
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "Settings file")
	fs.IntVar(&cfg.MatchThreshold, "match-threshold", cfg.MatchThreshold, "Score flagged as an audio match")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum fetch retries")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Fetch timeout")
	fs.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Output file path")
	fs.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, or dual")
	fs.BoolVar(&opts.serve, "serve", false, "Serve the message bridge instead of running once")
	fs.StringVar(&cfg.BridgeAddr, "bridge-addr", cfg.BridgeAddr, "Message bridge listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	fs.StringVar(&cfg.WorkloadURL, "workload-url", cfg.WorkloadURL, "QC Workload Tracker backend")
	fs.StringVar(&cfg.Agent, "agent", cfg.Agent, "Reviewing agent")
	fs.StringVar(&opts.decision, "decision", "", "Decision to record in the workload tracker")
	fs.StringVar(&opts.tenant, "tenant", "", "Tenant to record in the workload tracker")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, options{}, err
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	if cfg.PageURL == "" && cfg.HTMLFile == "" {
		return nil, options{}, errors.New("one of -url or -html is required")
	}
	if opts.serve && cfg.BridgeAddr == "" {
		cfg.BridgeAddr = "127.0.0.1:8765"
	}
	return cfg, opts, nil
}

func applyEnv(cfg *config.Config) error {
	texts := map[string]*string{
		"QC_PAGE_URL":     &cfg.PageURL,
		"QC_HTML_FILE":    &cfg.HTMLFile,
		"QC_CHROME_PATH":  &cfg.ChromePath,
		"QC_MODE":         &cfg.Mode,
		"QC_RULES_FILE":   &cfg.RulesFile,
		"QC_LISTS_FILE":   &cfg.ListsFile,
		"QC_STORE_PATH":   &cfg.StorePath,
		"QC_OUTPUT":       &cfg.OutputFile,
		"QC_FORMAT":       &cfg.OutputFormat,
		"QC_BRIDGE_ADDR":  &cfg.BridgeAddr,
		"QC_METRICS_ADDR": &cfg.MetricsAddr,
		"QC_WORKLOAD_URL": &cfg.WorkloadURL,
		"QC_AGENT":        &cfg.Agent,
	}
	for key, dst := range texts {
		if value, ok := config.EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"QC_MAX_PARALLEL":    &cfg.MaxParallel,
		"QC_MATCH_THRESHOLD": &cfg.MatchThreshold,
		"QC_MAX_RETRIES":     &cfg.MaxRetries,
		"QC_PIPELINE_BUFFER": &cfg.PipelineBufferSize,
		"QC_BATCH_SIZE":      &cfg.BatchSize,
		"QC_DEDUPE_MAX_SIZE": &cfg.DedupeMaxSize,
	}
	for key, dst := range ints {
		value, ok, err := config.EnvInt(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"QC_POLL_INTERVAL": &cfg.PollInterval,
		"QC_OPEN_TIMEOUT":  &cfg.OpenTimeout,
		"QC_CLOSE_TIMEOUT": &cfg.CloseTimeout,
		"QC_TRACK_PAUSE":   &cfg.TrackPause,
		"QC_FETCH_TIMEOUT": &cfg.Timeout,
		"QC_WORKLOAD_RATE": &cfg.WorkloadRate,
	}
	for key, dst := range durations {
		value, ok, err := config.EnvDuration(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*dst = value
		}
	}

	bools := map[string]*bool{
		"QC_HEADLESS": &cfg.Headless,
		"QC_VERBOSE":  &cfg.Verbose,
	}
	for key, dst := range bools {
		value, ok, err := config.EnvBool(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*dst = value
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	settings, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	cfg.AnalysisEnabled = settings.Bool(store.KeyAnalysisEnabled, cfg.AnalysisEnabled)
	if cfg.Agent != "" {
		if err := settings.Set(store.KeySelectedAgent, cfg.Agent); err != nil {
			slog.Warn("persisting agent failed", slog.Any("error", err))
		}
	} else {
		cfg.Agent = settings.String(store.KeySelectedAgent, "")
	}

	rules := locator.DefaultRules()
	if cfg.RulesFile != "" {
		if rules, err = locator.LoadRules(cfg.RulesFile); err != nil {
			return err
		}
	}
	lists := checks.DefaultLists()
	if cfg.ListsFile != "" {
		if lists, err = checks.LoadLists(cfg.ListsFile); err != nil {
			return err
		}
	}

	src, err := openPage(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer src.close()

	release, err := src.release(ctx)
	if err != nil {
		return err
	}
	slog.Info("review page loaded",
		slog.String("release", release.ID),
		slog.String("title", release.Title),
		slog.Int("tracks", len(release.Tracks)),
	)

	orch := orchestrator.New(src.page, locator.New(src.page, rules), cfg)
	orch.SetRelease(release)

	gatherers := prometheus.Gatherers{orch.Metrics.Registry}
	if src.fetchMetrics != nil {
		gatherers = append(gatherers, src.fetchMetrics.Registry)
	}
	shutdownMetrics := serveMetrics(cfg.MetricsAddr, gatherers)
	defer shutdownMetrics()

	if opts.serve {
		tracks := func(ctx context.Context) ([]models.TrackRef, error) {
			rel, err := src.release(ctx)
			if err != nil {
				return nil, err
			}
			orch.SetRelease(rel)
			return rel.TrackRefs(), nil
		}
		return serveBridge(ctx, cfg.BridgeAddr, messaging.NewBridge(orch, settings, tracks))
	}

	writer, err := pipeline.NewWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	sink := pipeline.NewPipeline(ctx, writer, cfg)
	sink.Start(cfg.MaxParallel)
	if cfg.Verbose {
		sink.StartMetricsReporting(10 * time.Second)
	}
	orch.OnTrackComplete = func(a models.TrackAnalysis) {
		if err := sink.Process(&a); err != nil {
			slog.Warn("queueing analysis failed", slog.Int("track", a.TrackIndex), slog.Any("error", err))
		}
	}

	started := time.Now()
	report := orch.Analyze(ctx, release.TrackRefs(), cfg.Mode)

	if err := sink.Close(); err != nil {
		return fmt.Errorf("pipeline shutdown: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation: %w", err)
	}

	summary := checks.New(lists, cfg).Run(release, report.Results)
	printSummary(os.Stdout, release, report, summary, sink.GetMetrics(), cfg.OutputFile, time.Since(started))

	if cfg.WorkloadURL != "" {
		recordWorkload(ctx, cfg, release, opts)
	}
	return nil
}

func recordWorkload(ctx context.Context, cfg *config.Config, release *models.ReleaseData, opts options) {
	client := workload.NewClient(cfg.WorkloadURL, cfg.WorkloadRate)
	if opts.decision != "" && cfg.Agent != "" {
		tenant := opts.tenant
		if tenant == "" {
			tenant = release.Label
		}
		stored, err := client.Submit(ctx, cfg.Agent, []workload.Entry{{
			ReleaseID:  release.ID,
			Tenant:     tenant,
			Decision:   opts.decision,
			ReviewedAt: time.Now().UTC(),
		}})
		if err != nil {
			slog.Error("workload submit failed", slog.Any("error", err))
		} else {
			slog.Info("workload recorded", slog.Int("stored", stored), slog.String("agent", cfg.Agent))
		}
	}

	progress, err := client.Progress(ctx)
	if err != nil {
		slog.Error("workload progress failed", slog.Any("error", err))
		return
	}
	printProgress(os.Stdout, progress)
}

func serveMetrics(addr string, gatherer prometheus.Gatherer) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func serveBridge(ctx context.Context, addr string, bridge *messaging.Bridge) error {
	mux := http.NewServeMux()
	mux.Handle("/message", bridge)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("message bridge listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutdown signal received, closing bridge")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
