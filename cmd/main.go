package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/robfig/cron/v3"

	"listingwatcher/internal/automation"
	"listingwatcher/internal/client"
	"listingwatcher/internal/configuration"
	"listingwatcher/internal/credstore"
	"listingwatcher/internal/database"
	"listingwatcher/internal/ingest"
	"listingwatcher/internal/logger"
	"listingwatcher/internal/notifier"
	"listingwatcher/internal/scheduler"
	"listingwatcher/internal/scrape"
	"listingwatcher/internal/server"
)

func main() {
	configPath := "config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	config, err := configuration.GetConfig(configPath)
	if err != nil {
		panic(err)
	}

	var logOutput io.Writer = os.Stdout
	if config.LogToFile {
		logFile, err := os.OpenFile("listingwatcher.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err)
		}
		defer func() {
			if err := logFile.Close(); err != nil {
				panic(err)
			}
		}()
		logOutput = io.MultiWriter(os.Stdout, logFile)
	}
	appLogger := logger.NewLogger(config.LogLevel, logOutput)

	appLogger.Info("Connecting to DB at", config.DatabaseURI)
	dbConn, err := database.ConnectDB(context.Background(), config.DatabaseURI)
	if err != nil {
		appLogger.Error("Error when connecting to database, err:", err)
		panic(err)
	}
	defer func() {
		if err := dbConn.Disconnect(context.Background()); err != nil {
			appLogger.Error("Error when disconnecting from database, err:", err)
		}
	}()
	db := database.Database{Database: dbConn.Database(database.Name)}

	redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddress})
	defer func() {
		if err := redisClient.Close(); err != nil {
			appLogger.Error("Error when closing redis client, err:", err)
		}
	}()

	creds := &credstore.Store{DB: db, Key: config.CredentialSealKey}

	strategies := scrape.NewRegistry(
		&scrape.JSONAPIStrategy{Redis: redisClient, Logger: appLogger},
		&scrape.HTMLBoardStrategy{Logger: appLogger},
	)

	sessions := automation.NewManager(creds, db, strategies, appLogger, automation.Config{
		SessionIdleTimeout: config.SessionIdleTimeout,
		SessionMaxAge:      config.SessionMaxAge,
		SessionMaxUses:     config.SessionMaxUses,
		ServiceConcurrency: config.ServiceConcurrency,
		ActionsPerMinute:   config.ServiceActionsPerMin,
		MaxPages:           config.ScrapeMaxPages,
		MaxItems:           config.ScrapeMaxItems,
	})
	defer sessions.Close()

	ingestor := &ingest.Ingestor{DB: db, Logger: appLogger}

	dispatcher := &notifier.Dispatcher{
		DB: db,
		Push: client.Client{
			Client: &http.Client{Timeout: 15 * time.Second},
			FCMKey: config.FCMKey,
			Logger: appLogger,
		},
		Logger:          appLogger,
		SendMaxAttempts: config.NotifySendMaxAttempts,
		RetryDelay:      2 * time.Second,
	}

	sched := scheduler.New(db, sessions, ingestor, dispatcher, appLogger, scheduler.Config{
		WorkerCount:      config.SchedulerWorkerCount,
		MaxBatch:         config.SchedulerMaxBatch,
		MaxBackoff:       config.SchedulerMaxBackoff,
		BackoffCap:       config.SchedulerBackoffCap,
		FailureThreshold: config.SchedulerFailureThreshold,
	})
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err = sched.Start(startCtx); err != nil {
		cancelStart()
		appLogger.Error("Error when starting scheduler, err:", err)
		panic(err)
	}
	cancelStart()

	maintenance := cron.New()
	if _, err = maintenance.AddFunc(config.SchedulerReconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sched.Reconcile(ctx)
		sessions.SweepIdle()
	}); err != nil {
		appLogger.Error("Error when adding maintenance cron job, err:", err)
		panic(err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	srv := server.Server{
		DB:            db,
		Creds:         creds,
		Sched:         sched,
		Logger:        appLogger,
		AuthSecretKey: config.AuthSecretKey,
	}
	httpSrv := &http.Server{
		Handler:      srv.Router(),
		Addr:         config.ServerAddress,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		appLogger.Info("Serving on", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("HTTP server stopped, err:", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Error when shutting down HTTP server, err:", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		appLogger.Error("Error when stopping scheduler, err:", err)
	}
}
