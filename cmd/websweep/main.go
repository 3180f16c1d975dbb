// Package main wires together the websweep crawl worker binary.
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

	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/api"
	"github.com/websweep/websweep/internal/config"
	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/fetcher"
	collyfetcher "github.com/websweep/websweep/internal/fetcher/colly"
	"github.com/websweep/websweep/internal/fetcher/detector"
	headlessfetcher "github.com/websweep/websweep/internal/fetcher/headless"
	"github.com/websweep/websweep/internal/logging"
	"github.com/websweep/websweep/internal/markdown"
	"github.com/websweep/websweep/internal/metrics"
	"github.com/websweep/websweep/internal/pool"
	memorystorage "github.com/websweep/websweep/internal/storage/memory"
	pgstorage "github.com/websweep/websweep/internal/storage/postgres"
	"github.com/websweep/websweep/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		jobs  crawler.JobStore
		pages crawler.PageStore
	)
	if cfg.DB.DSN != "" {
		pg, err := pgstorage.New(ctx, pgstorage.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pg.Close()
		jobs, pages = pg, pg
		logger.Info("using postgres storage")
	} else {
		mem := memorystorage.NewStore()
		jobs, pages = mem, mem
		logger.Info("using in-memory storage")
	}

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		CacheDir:      cfg.Fetcher.CacheDir,
	}, logger.Named("fetcher"))

	var (
		browser crawler.Fetcher
		static  crawler.Fetcher = httpFetcher
	)
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: cfg.NavTimeout(),
		}, logger.Named("headless"))
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			defer headless.Close()
			browser = headless
			// Static fetches escalate to the browser when a page looks
			// client-rendered, even if the job did not ask for it.
			static = fetcher.NewPromoting(httpFetcher, browser, detector.NewHeuristic(0), logger.Named("promote"))
		}
	}

	// One pool shared by all jobs: a single job's fetch volume bounds every
	// other job's throughput.
	shared := pool.New(cfg.Pool.Limit)

	w, err := worker.New(worker.Config{PollInterval: cfg.PollInterval()}, worker.Deps{
		Jobs:        jobs,
		Pages:       pages,
		HTTP:        static,
		Browser:     browser,
		Transformer: markdown.New(logger.Named("markdown")),
		Pool:        shared,
		Logger:      logger.Named("worker"),
	})
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(jobs, shared, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		w.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
