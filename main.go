package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nestbox/internal/coordinator"
	"nestbox/internal/database"
	"nestbox/internal/filesystem"
	"nestbox/internal/handlers"
	"nestbox/internal/indexer"
	"nestbox/internal/jobs"
	"nestbox/internal/logging"
	"nestbox/internal/memory"
	"nestbox/internal/merge"
	"nestbox/internal/metrics"
	"nestbox/internal/middleware"
	"nestbox/internal/startup"
	"nestbox/internal/upload"

	"github.com/gorilla/mux"
)

const (
	jobRetention       = time.Hour
	collectorInterval  = time.Minute
	sessionCleanupTick = time.Hour
	shutdownTimeout    = 30 * time.Second
)

// components holds everything the shutdown handler has to stop.
type components struct {
	server        *http.Server
	metricsServer *http.Server
	queue         *jobs.Queue
	janitor       *upload.Janitor
	collector     *metrics.Collector
	index         *database.IndexStore
	users         *database.UserStore
	stopSessions  chan struct{}
}

func main() {
	startTime := time.Now()

	memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	filesystem.SetAllowedRoots(config.AllowedRoots)
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	ctx := context.Background()

	// Initialize stores
	indexStart := time.Now()
	index, err := database.OpenIndexStore(ctx, config.IndexDBPath)
	if err != nil {
		startup.LogFatal("Failed to open index store: %v", err)
	}
	indexDur := time.Since(indexStart)

	usersStart := time.Now()
	users, err := database.OpenUserStore(ctx, config.UsersDBPath, config.SessionDuration)
	if err != nil {
		index.Close()
		startup.LogFatal("Failed to open user store: %v", err)
	}
	startup.LogStoresInit(config.IndexDBPath, indexDur, config.UsersDBPath, time.Since(usersStart))

	chunks, err := upload.NewChunkStore(config.UploadTmp)
	if err != nil {
		startup.LogFatal("Failed to prepare upload staging: %v", err)
	}

	// Jobs
	queue := jobs.NewQueue(jobs.Config{
		Workers:   config.JobWorkers,
		QueueSize: config.JobQueueSize,
		Retention: jobRetention,
	})

	scanner := indexer.NewScanner(index, indexer.Options{
		BatchSize:      config.ScanBatchSize,
		Workers:        indexer.DefaultOptions().Workers,
		FollowSymlinks: config.ScanFollowSymlinks,
	})
	engine := merge.NewEngine(chunks, queue, config.MergeIOLimit)
	coord := coordinator.New(index, queue, scanner, coordinator.Config{LockTTL: config.ScanLockTTL})

	queue.Register(merge.JobName, engine.Handler(), jobs.RetryPolicy{
		MaxRetries: config.MergeMaxRetries,
		Delay:      config.MergeRetryDelay,
	})
	queue.Register(indexer.JobIndexFile, scanner.FileHandler(), jobs.RetryPolicy{})
	queue.Register(coordinator.JobIndexDrive, coord.DriveHandler(), jobs.RetryPolicy{})
	queue.OnAbandon(coordinator.JobIndexDrive, coord.AbandonDrive)

	metrics.InitializeMetrics(queue.Names())

	queue.Start()
	startup.LogJobsInit(config.JobWorkers, config.JobQueueSize, queue.Names())

	janitor := upload.NewJanitor(chunks, config.JanitorMaxAge, config.JanitorInterval, queue.ActiveKey)
	janitor.Start()
	startup.LogJanitorInit(config.JanitorInterval, config.JanitorMaxAge)

	// Clean up expired sessions periodically
	stopSessions := make(chan struct{})
	go cleanSessions(users, stopSessions)

	h := handlers.New(index, users, chunks, queue, coord, config)

	var collector *metrics.Collector
	var metricsServer *http.Server
	if config.MetricsEnabled {
		collector = metrics.NewCollector(index, collectorInterval, index, users)
		collector.Start()
		metricsServer = startMetricsServer(config.MetricsPort, h.MetricsHandler())
	}

	router := mux.NewRouter()
	router.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	h.Routes(router)

	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggedHandler := middleware.Logger(loggingConfig)(router)

	compression, err := middleware.Compression(middleware.DefaultCompressionConfig())
	if err != nil {
		startup.LogFatal("Failed to configure compression: %v", err)
	}
	handler := compression(loggedHandler)

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Chunk uploads stream for as long as the client needs.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go handleShutdown(&components{
		server:        srv,
		metricsServer: metricsServer,
		queue:         queue,
		janitor:       janitor,
		collector:     collector,
		index:         index,
		users:         users,
		stopSessions:  stopSessions,
	}, done)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		UploadTmp:       config.UploadTmp,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func cleanSessions(users *database.UserStore, stop <-chan struct{}) {
	ticker := time.NewTicker(sessionCleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := users.CleanExpiredSessions(context.Background())
			if err != nil {
				logging.Warn("Session cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Debug("Removed %d expired sessions", n)
			}
		case <-stop:
			return
		}
	}
}

func startMetricsServer(port string, handler http.Handler) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

func handleShutdown(c *components, done chan<- struct{}) {
	defer close(done)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := c.server.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Draining job queue")
	if err := c.queue.Shutdown(ctx); err != nil {
		logging.Warn("Job queue shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Job queue drained")
	}

	startup.LogShutdownStep("Stopping background tasks")
	c.janitor.Stop()
	close(c.stopSessions)
	if c.collector != nil {
		c.collector.Stop()
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}
	startup.LogShutdownStepComplete("Background tasks stopped")

	startup.LogShutdownStep("Closing stores")
	if err := errors.Join(c.index.Close(), c.users.Close()); err != nil {
		logging.Warn("Store close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Stores closed")
	}

	startup.LogShutdownComplete()
}
