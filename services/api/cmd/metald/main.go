package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metald/pkg/bus"
	"metald/pkg/db"
	gos3 "metald/pkg/s3"
	"metald/pkg/secrets"
	"metald/pkg/telemetry"
	"metald/services/api"
	"metald/services/commission"
	"metald/services/decision"
	"metald/services/provision"
	"metald/services/remote"
	"metald/services/workflow"
)

type config struct {
	HTTPPort         int
	DatabaseURL      string
	NATSURL          string
	CredentialsFile  string
	TemplatesFile    string
	CommissionURL    string
	CommissionToken  string
	FirmwareBucket   string
	ProgressQueue    int
	MaxBatchParallel int
}

func loadConfig() (config, error) {
	cfg := config{
		HTTPPort:         envInt("HTTP_PORT", 8080),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		CredentialsFile:  os.Getenv("CREDENTIALS_FILE"),
		TemplatesFile:    os.Getenv("DEVICE_TEMPLATES_FILE"),
		CommissionURL:    os.Getenv("COMMISSION_URL"),
		CommissionToken:  os.Getenv("COMMISSION_TOKEN"),
		FirmwareBucket:   os.Getenv("FIRMWARE_BUCKET"),
		ProgressQueue:    envInt("PROGRESS_QUEUE_SIZE", 0),
		MaxBatchParallel: envInt("MAX_BATCH_PARALLEL", 0),
	}
	if cfg.CredentialsFile == "" {
		return config{}, errors.New("CREDENTIALS_FILE is required")
	}
	if cfg.TemplatesFile == "" {
		return config{}, errors.New("DEVICE_TEMPLATES_FILE is required")
	}
	if cfg.CommissionURL == "" {
		return config{}, errors.New("COMMISSION_URL is required")
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	if err := run("metald"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	credStore, err := secrets.Open(cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	templates, err := provision.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return fmt.Errorf("load device templates: %w", err)
	}

	commissionClient, err := commission.NewHTTPClient(cfg.CommissionURL, cfg.CommissionToken)
	if err != nil {
		return fmt.Errorf("commissioning client: %w", err)
	}

	var firmware *provision.FirmwareStore
	if cfg.FirmwareBucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("firmware store: %w", err)
		}
		firmware, err = provision.NewFirmwareStore(s3Client, cfg.FirmwareBucket)
		if err != nil {
			return fmt.Errorf("firmware store: %w", err)
		}
	}

	var recorder workflow.Recorder
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer p.Close()
		if err := db.Migrate(ctx, p); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		orm, err := db.ConnectORM(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect orm: %w", err)
		}
		defer db.CloseORM(orm)
		rec, err := workflow.NewDBRecorder(orm)
		if err != nil {
			return fmt.Errorf("audit recorder: %w", err)
		}
		recorder = rec
		pool = p
	} else {
		logger.Printf("INFO audit persistence disabled: DATABASE_URL not set")
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
	} else {
		logger.Printf("INFO event bridging disabled: NATS_URL not set")
	}

	monitor := workflow.NewMonitor(cfg.ProgressQueue, logger)
	defer monitor.Close()

	manager, err := workflow.NewManager(monitor, recorder, logger)
	if err != nil {
		return fmt.Errorf("workflow manager: %w", err)
	}

	deps := &provision.Deps{
		Commission: commissionClient,
		Runner:     remote.NewExecRunner(),
		Engine:     decision.NewEngine(),
		Templates:  templates,
		Firmware:   firmware,
		Logger:     logger,
	}
	if err := provision.Register(manager, deps); err != nil {
		return fmt.Errorf("register pipelines: %w", err)
	}

	a, err := api.New(manager, credStore, pool, eventBus, logger, api.Config{
		MaxBatchParallel: cfg.MaxBatchParallel,
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	a.BridgeEvents(ctx)

	routes, err := a.Routes()
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := db.Ping(r.Context(), pool); err != nil {
				http.Error(w, "database not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/", routes)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: middleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
