// Package api exposes the workflow manager over HTTP: workflow lifecycle
// endpoints, list/status queries and a server-sent-events stream fed by
// the progress monitor. Progress events are additionally bridged onto the
// NATS bus for fleet-wide consumers.
package api

import (
	"errors"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"metald/pkg/bus"
	"metald/pkg/secrets"
	"metald/services/workflow"
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// MaxBatchParallel caps the maxParallel a batch request may ask for.
	MaxBatchParallel int
}

const defaultMaxBatchParallel = 32

// API wires the manager, credential store, audit pool and event bus for
// HTTP handlers.
type API struct {
	manager *workflow.Manager
	secrets *secrets.Store
	pool    *pgxpool.Pool // nil disables history queries
	bus     *bus.Bus      // nil disables event bridging
	logger  *log.Logger
	config  Config
}

// New initialises the API layer with sane defaults applied to the provided
// configuration. The pool and bus may be nil when the audit database or
// NATS are not configured.
func New(manager *workflow.Manager, store *secrets.Store, pool *pgxpool.Pool, eventBus *bus.Bus, logger *log.Logger, cfg Config) (*API, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxBatchParallel <= 0 {
		cfg.MaxBatchParallel = defaultMaxBatchParallel
	}
	return &API{
		manager: manager,
		secrets: store,
		pool:    pool,
		bus:     eventBus,
		logger:  logger,
		config:  cfg,
	}, nil
}
