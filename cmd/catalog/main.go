// Command catalog crawls the catalog site into a versioned CSV artifact
// and loads that artifact into the SQLite store served downstream.
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
	"sort"
	"syscall"
	"time"

	"github.com/aluiziolira/go-catalog-etl/config"
	"github.com/aluiziolira/go-catalog-etl/models"
	"github.com/aluiziolira/go-catalog-etl/pipeline"
	"github.com/aluiziolira/go-catalog-etl/scraper"
	"github.com/aluiziolira/go-catalog-etl/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "crawl":
		os.Exit(runCrawl(os.Args[2:]))
	case "load":
		os.Exit(runLoad(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: catalog <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  crawl   Scrape the catalog site into the dataset artifact")
	fmt.Fprintln(os.Stderr, "  load    Load the dataset artifact into the SQLite store")
}

func runCrawl(args []string) int {
	defaultCfg := config.DefaultConfig()

	baseURLDefault := defaultCfg.BaseURL
	if value, ok := config.EnvString("CATALOG_BASE_URL"); ok {
		baseURLDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("CATALOG_OUTPUT"); ok {
		outputDefault = value
	}
	parallelDefault := defaultCfg.Parallelism
	if value, ok, err := config.EnvInt("CATALOG_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid CATALOG_PARALLEL: %v\n", err)
		return 2
	} else if ok {
		parallelDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("CATALOG_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	baseURL := fs.String("base-url", baseURLDefault, "Base URL to crawl")
	delayMs := fs.Int("delay", int(defaultCfg.Delay/time.Millisecond), "Minimum delay between requests (milliseconds)")
	timeoutSec := fs.Int("timeout", int(defaultCfg.Timeout/time.Second), "Per-request timeout (seconds)")
	outputFile := fs.String("output", outputDefault, "Artifact output path")
	outputFormat := fs.String("format", defaultCfg.OutputFormat, "Output format: csv, jsonl, or dual")
	parallelism := fs.Int("parallel", parallelDefault, "Number of concurrent fetch workers")
	maxRetries := fs.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := fs.Int("retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := fs.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	respectRobots := fs.Bool("respect-robots", defaultCfg.RespectRobotsTxt, "Respect robots.txt directives")
	metricsAddr := fs.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	fs.Parse(args)

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.Timeout = time.Duration(*timeoutSec) * time.Second
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = *outputFormat
	cfg.Parallelism = *parallelism
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RespectRobotsTxt = *respectRobots
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("workers", cfg.Parallelism),
		slog.Duration("delay", cfg.Delay),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	dataset, err := pipeline.NewDataset(cfg.OutputFile, cfg.OutputFormat)
	if err != nil {
		slog.Error("creating dataset", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(ctx, dataset, cfg)
	p.Start()
	if cfg.Verbose {
		p.StartProgressReporting(10 * time.Second)
	}

	startTime := time.Now()
	summary, runErr := s.Run(ctx, p)

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		return 1
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		slog.Error("crawl failed", slog.Any("error", runErr))
		return 1
	}

	if err := dataset.Flush(); err != nil {
		slog.Error("publishing artifact failed", slog.Any("error", err))
		return 1
	}
	if err := dataset.Validate(); err != nil {
		slog.Error("artifact validation failed", slog.Any("error", err))
		return 1
	}

	summary.RecordsWritten = dataset.Count()
	for reason, count := range p.Rejected() {
		if summary.ItemsSkipped == nil {
			summary.ItemsSkipped = make(map[string]int)
		}
		summary.ItemsSkipped[reason] += count
	}

	printCrawlSummary(summary, time.Since(startTime), dataset)
	return 0
}

func runLoad(args []string) int {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	artifact := fs.String("artifact", config.DefaultConfig().OutputFile, "Dataset artifact path")
	storePath := fs.String("store", "data/books.db", "SQLite store path")
	overwrite := fs.Bool("overwrite", true, "Replace an existing store")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	fs.Parse(args)

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := store.Load(ctx, *artifact, *storePath, *overwrite)
	if err != nil {
		slog.Error("load failed", slog.Any("error", err))
		return 1
	}

	printLoadReport(report)
	return 0
}

func printCrawlSummary(summary *models.CrawlSummary, duration time.Duration, dataset *pipeline.Dataset) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if summary.Degraded() {
		fmt.Println("Crawl complete (partial catalog)")
	} else {
		fmt.Println("Crawl complete")
	}

	fmt.Printf("  Records written:     %d\n", summary.RecordsWritten)
	fmt.Printf("  Categories found:    %d\n", summary.CategoriesFound)
	fmt.Printf("  Categories skipped:  %d\n", summary.CategoriesSkipped)
	fmt.Printf("  Pages fetched:       %d\n", summary.PageCount)
	fmt.Printf("  Pages failed:        %d\n", summary.PagesFailed)
	printCounts("  Items skipped", summary.ItemsSkipped)
	printCounts("  Errors", summary.ErrorsByType)
	fmt.Printf("  Duplicate overwrites: %d\n", dataset.Overwrites())
	fmt.Printf("  Retries:             %d\n", summary.RetryCount)
	fmt.Printf("  Requests:            %d\n", summary.RequestCount)
	fmt.Printf("  Duration:            %v\n", duration)
	fmt.Printf("  Artifact:            %s\n", dataset.Path())
	fmt.Println(separator)
}

func printLoadReport(report *store.LoadReport) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Load complete")
	fmt.Printf("  Rows loaded:    %d\n", report.RowsLoaded)
	fmt.Printf("  Rows excluded:  %d\n", report.RowsExcluded)
	printCounts("  Exclusions", report.Reasons)
	fmt.Printf("  Store:          %s\n", report.StorePath)
	fmt.Println(separator)
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %-20s %d\n", k, counts[k])
	}
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
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
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
