package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-gateway/internal/adapters"
	"github.com/otcheredev/dicom-gateway/internal/cache"
	"github.com/otcheredev/dicom-gateway/internal/checkpoint"
	"github.com/otcheredev/dicom-gateway/internal/checkstorage"
	"github.com/otcheredev/dicom-gateway/internal/config"
	"github.com/otcheredev/dicom-gateway/internal/database"
	"github.com/otcheredev/dicom-gateway/internal/handlers"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/internal/repository"
	"github.com/otcheredev/dicom-gateway/internal/services"
	"github.com/otcheredev/dicom-gateway/internal/storescp"
	"github.com/otcheredev/dicom-gateway/internal/tasks"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("ae_title", cfg.DICOM.AETitle).Msg("Starting DICOM gateway")

	if err := os.MkdirAll(cfg.Tasks.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}
	lockPath := filepath.Join(cfg.Tasks.DataDir, "gateway.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatal().Err(err).Str("lock", lockPath).Msg("Failed to acquire data directory lock")
	}
	if !locked {
		log.Fatal().Str("lock", lockPath).Msg("Another gateway is using this data directory")
	}
	defer lock.Unlock()

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	cacheImpl, err := cache.New(cache.Options{
		Enabled:       cfg.Cache.Enabled,
		Type:          cfg.Cache.Type,
		RedisAddr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		RedisPrefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache")
	}
	defer cacheImpl.Close()
	log.Info().Bool("enabled", cfg.Cache.Enabled).Str("type", cfg.Cache.Type).Msg("Device cache initialized")

	// Initialize repositories
	deviceRepo := repository.NewDeviceRepository()
	instanceRepo := repository.NewInstanceRepository()
	auditRepo := repository.NewAuditRepository()

	// One client per caller, so each owns its association pool
	clients := adapters.NewClientFactory(adapters.Config{
		CallingAET:      cfg.DICOM.AETitle,
		Timeout:         cfg.DICOM.Timeout,
		ResponseTimeout: cfg.DICOM.Timeout,
		MaxPDULength:    cfg.DICOM.MaxPDULength,
		MaxIdleTime:     cfg.DICOM.IdleTimeout,
	})
	defer clients.CloseAll()
	apiClient := clients.Client("api")

	devices := services.NewDeviceService(services.DeviceServiceConfig{
		Store:     deviceRepo,
		Cache:     cacheImpl,
		Verifier:  apiClient,
		Audit:     auditRepo,
		CacheTTL:  cfg.Cache.TTL,
		ProbeDays: cfg.DICOM.ProbeDays,
		OnDelete: func(name string) {
			if err := clients.Remove("checkstorage/" + name); err != nil {
				log.Warn().Err(err).Str("device", name).Msg("Failed to close check-storage client")
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Devices.SeedFile != "" {
		if _, err := devices.Seed(ctx, cfg.Devices.SeedFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Devices.SeedFile).Msg("Device seed applied with errors")
		}
	}
	if err := registerLocalStore(ctx, devices, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register local store")
	}

	// Inbound C-STORE
	storage := storescp.NewStorage(cfg.DICOM.StorageRoot, instanceRepo, auditRepo)
	listener := storescp.New(storescp.Config{
		AETitle:      cfg.DICOM.AETitle,
		Address:      cfg.DICOM.ListenAddress,
		Port:         cfg.DICOM.ListenPort,
		MaxPDULength: cfg.DICOM.MaxPDULength,
		Timeout:      cfg.DICOM.Timeout,
	}, storage.Handle)
	if cfg.DICOM.StoreListening {
		if err := listener.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start store SCP")
		}
	}

	// Task engine
	cp, err := checkpoint.Open(cfg.Tasks.CheckpointPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open task checkpoint")
	}
	defer cp.Close()

	manager := tasks.NewManager(tasks.ManagerConfig{
		Registry: devices,
		Retriever: func(source string) tasks.Retriever {
			return clients.Client("tasks/" + source)
		},
		Checkpoint: cp,
		Audit:      auditRepo,
		Handler: tasks.HandlerConfig{
			IdleWait:    cfg.Tasks.IdleWait,
			StepTimeout: cfg.Tasks.StepTimeout,
			OnStore:     storage.Handle,
		},
	})
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start task manager")
	}

	engine := checkstorage.NewEngine(checkstorage.Config{
		Registry: devices,
		Client: func(device string) checkstorage.Querier {
			return clients.Client("checkstorage/" + device)
		},
		Archive: cfg.DICOM.ArchiveDevice,
		Audit:   auditRepo,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Health: handlers.NewHealthHandler(map[string]handlers.Check{
			"database": func(context.Context) error { return database.Ping() },
			"cache": func(ctx context.Context) error {
				_, err := cacheImpl.Exists(ctx, cache.DeviceKey(models.LocalStoreName))
				return err
			},
		}),
		Tasks:          handlers.NewTaskHandler(manager),
		Devices:        handlers.NewDeviceHandler(devices, apiClient),
		CheckStorage:   handlers.NewCheckStorageHandler(engine, manager),
		Listener:       handlers.NewListenerHandler(listener, devices, auditRepo),
		Audit:          handlers.NewAuditHandler(auditRepo),
		Storage:        handlers.NewStorageHandler(instanceRepo, devices, apiClient),
		Associations:   clients.Stats,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		Metrics:        cfg.Metrics.Enabled,
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Task handlers did not stop cleanly")
	}
	if err := listener.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Store SCP did not drain")
	}

	log.Info().Msg("Gateway stopped")
}

// registerLocalStore keeps the registry entry for this gateway in line with
// the configured listener, so that MOVE tasks can name it as destination.
func registerLocalStore(ctx context.Context, devices *services.DeviceService, cfg *config.Config) error {
	address := cfg.DICOM.ListenAddress
	if address == "" {
		address = "localhost"
	}
	local := &models.Device{
		Name:    models.LocalStoreName,
		AETitle: cfg.DICOM.AETitle,
		Address: address,
		Port:    cfg.DICOM.ListenPort,
	}
	if existing, err := devices.Get(ctx, models.LocalStoreName); err == nil {
		local.ImgsStudy, local.ImgsSeries = existing.ImgsStudy, existing.ImgsSeries
	}
	return devices.Upsert(ctx, local)
}
