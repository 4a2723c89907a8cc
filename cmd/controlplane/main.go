// Package main provides the entry point for the control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/auth"
	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/config"
	"github.com/runflow/controlplane/internal/handlers"
	"github.com/runflow/controlplane/internal/integrations"
	"github.com/runflow/controlplane/internal/metrics"
	"github.com/runflow/controlplane/internal/middleware"
	"github.com/runflow/controlplane/internal/objectstore"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/queue"
	"github.com/runflow/controlplane/internal/recorder"
	"github.com/runflow/controlplane/internal/recovery"
	"github.com/runflow/controlplane/internal/runs"
	"github.com/runflow/controlplane/internal/scheduler"
	"github.com/runflow/controlplane/internal/stats"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/worker"
	"github.com/runflow/controlplane/internal/wsrouter"
	"github.com/runflow/controlplane/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("controlplane %s\n", version.Full())
		return
	}

	cfg := config.Load()

	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to reach redis")
	}
	cancelPing()

	jobs := queue.New(rdb, cfg.QueueVisibilityTimeout, cfg.QueueJobRetention)
	st := store.NewInMemory()
	objects := objectstore.NewInMemory()

	driver := browserdriver.New(browserdriver.Config{
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
		InitTimeout: cfg.BrowserInitTimeout,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	slots := pool.New(driver, cfg.BrowserPoolMaxPerUser, cfg.SlotStaleAfter)

	ws := wsrouter.New(auth.Config{Secret: []byte(cfg.JWTSecret), ClockSkew: 30 * time.Second})
	interpreter := runs.NewDefaultInterpreter()

	runsMgr := runs.New(st, slots, jobs, interpreter, cfg.MaxRunRetries)
	runsMgr.WithObjectStore(objects).WithNotifier(ws)

	statsMgr := stats.NewManager()
	runsMgr.WithStats(statsMgr)

	creds, err := integrations.NewCredentialsManager(cfg.IntegrationCredentialsPath, cfg.IntegrationHotReload)
	if err != nil {
		log.Error().Err(err).Msg("failed to load integration credentials, integrations disabled")
	} else {
		recordStoreAdapter, spreadsheetAdapter := integrations.AdaptersFromCredentials(creds)
		dispatcher := integrations.NewDispatcher(recordStoreAdapter, spreadsheetAdapter)
		runsMgr.WithIntegrations(dispatcher.RecordStore, dispatcher.Spreadsheet)

		dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
		go dispatcher.Run(dispatchCtx)
		defer cancelDispatch()
	}

	sched := scheduler.New(func(ctx context.Context, userID, robotID string) error {
		_, err := runsMgr.StartRun(ctx, userID, robotID, nil, nil)
		return err
	})
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	go sched.Run(schedulerCtx, time.Minute)
	defer cancelScheduler()

	rec := recorder.New(slots)

	recoveryCtx, cancelRecovery := context.WithTimeout(context.Background(), 30*time.Second)
	if err := recovery.Recover(recoveryCtx, st, slots, ws); err != nil {
		log.Error().Err(err).Msg("startup recovery pass failed")
	}
	cancelRecovery()

	w := worker.New(jobs, runsMgr, cfg.QueuedRunPollInterval, cfg.MaxRunRetries)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(workerCtx, cfg.QueueDiscoveryInterval); err != nil {
			log.Error().Err(err).Msg("worker stopped")
		}
	}()
	defer cancelWorker()

	admissionCtx, cancelAdmission := context.WithCancel(context.Background())
	go runsMgr.ProcessQueuedRuns(admissionCtx, cfg.QueuedRunPollInterval)
	defer cancelAdmission()

	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	memStopCh := make(chan struct{})
	metrics.StartMemoryCollector(10*time.Second, memStopCh)
	defer close(memStopCh)

	h := handlers.New(st, runsMgr, slots, jobs, sched, rec, ws)
	var finalHandler http.Handler = handlers.NewRouter(h)

	finalHandler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(finalHandler)
	finalHandler = middleware.SecurityHeaders(finalHandler)
	finalHandler = middleware.Bearer(cfg)(finalHandler)

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Warn().Str("addr", pprofAddr).Msg("pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("browser_pool_max_per_user", cfg.BrowserPoolMaxPerUser).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("control plane is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	if creds != nil {
		if err := creds.Close(); err != nil {
			log.Error().Err(err).Msg("credentials manager close error")
		}
	}
	if err := slots.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("browser pool close error")
	}
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("redis client close error")
	}

	log.Info().Msg("shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
  ____            _             _ ____  _
 / ___|___  _ __ | |_ _ __ ___ | |  _ \| | __ _ _ __   ___
| |   / _ \| '_ \| __| '__/ _ \| | |_) | |/ _' | '_ \ / _ \
| |__| (_) | | | | |_| | | (_) | |  __/| | (_| | | | |  __/
 \____\___/|_| |_|\__|_|  \___/|_|_|   |_|\__,_|_| |_|\___|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting control plane")
}
