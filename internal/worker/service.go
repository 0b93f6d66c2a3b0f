// Package worker provides the triage HTTP service: message ingestion, the
// group dashboard API, corrections, and the live event stream.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fdehq/triage/internal/classifier"
	"github.com/fdehq/triage/internal/config"
	"github.com/fdehq/triage/internal/correction"
	gormdb "github.com/fdehq/triage/internal/db/gorm"
	"github.com/fdehq/triage/internal/embedding"
	"github.com/fdehq/triage/internal/grouping"
	"github.com/fdehq/triage/internal/notify"
	"github.com/fdehq/triage/internal/pipeline"
	"github.com/fdehq/triage/internal/vector"
	"github.com/fdehq/triage/internal/vector/pgvector"
)

const (
	// DefaultHTTPTimeout is the per-request timeout. Ingestion calls two
	// model APIs, so it is generous.
	DefaultHTTPTimeout = 60 * time.Second

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 30 * time.Second
)

// Service is the triage service orchestrator.
type Service struct {
	version string
	config  *config.Config

	store        *gormdb.Store
	messageStore MessageReader
	groupStore   GroupReader
	threadStore  ThreadReader
	neighbors    vector.Index

	pipeline    Ingestor
	grouping    *grouping.Engine
	corrections *correction.Engine

	broadcaster *notify.Broadcaster
	listener    *notify.Listener

	router    *chi.Mux
	server    *http.Server
	startTime time.Time
}

// NewService wires the full service against PostgreSQL and OpenAI.
func NewService(version string, cfg *config.Config) (*Service, error) {
	store, err := gormdb.NewStore(gormdb.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	broadcaster := notify.NewBroadcaster()

	// Mutations publish through pg_notify; the listener bridges committed
	// notifications back into the SSE broadcaster. Every process sees
	// every process's events, not just its own.
	publisher := notify.NewPGPublisher(store.GetDB())
	listener, err := notify.NewListener(cfg.Database.DSN, broadcaster)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init event listener: %w", err)
	}

	messageStore := gormdb.NewMessageStore(store)
	groupStore := gormdb.NewGroupStore(store)
	threadStore := gormdb.NewThreadStore(store)

	neighbors, err := pgvector.NewClient(store.GetDB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init vector index: %w", err)
	}

	groupingEngine := grouping.NewEngine(
		gormdb.NewAssignStore(store),
		publisher,
		grouping.Params{
			SimilarityThreshold: cfg.Grouping.SimilarityThreshold,
			RecencyWindow:       cfg.Grouping.RecencyWindow,
			NeighborLimit:       cfg.Grouping.NeighborLimit,
		},
	)
	corrections := correction.NewEngine(groupStore, publisher)

	cls := classifier.NewOpenAIClassifier(classifier.Config{
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.ChatModel,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
	})
	emb := embedding.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.EmbeddingModel)

	svc := &Service{
		version:      version,
		config:       cfg,
		store:        store,
		messageStore: messageStore,
		groupStore:   groupStore,
		threadStore:  threadStore,
		neighbors:    neighbors,
		pipeline:     pipeline.New(messageStore, cls, emb, groupingEngine),
		grouping:     groupingEngine,
		corrections:  corrections,
		broadcaster:  broadcaster,
		listener:     listener,
		router:       chi.NewRouter(),
		startTime:    time.Now(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	return svc, nil
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(middleware.RealIP)
	s.router.Use(securityHeaders)
	s.router.Use(maxBodySize(s.config.Server.MaxBodyBytes))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// SSE event stream for dashboards.
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	// Ingestion
	s.router.Post("/api/messages", s.handleIngest)
	s.router.Post("/api/messages/classified", s.handleIngestClassified)

	// Messages
	s.router.Get("/api/messages/{id}", s.handleGetMessage)
	s.router.Get("/api/messages/{id}/neighbors", s.handleMessageNeighbors)
	s.router.Get("/api/messages/ungrouped", s.handleListUngrouped)

	// Groups
	s.router.Get("/api/groups", s.handleListGroups)
	s.router.Get("/api/groups/{id}", s.handleGetGroup)
	s.router.Get("/api/groups/{id}/messages", s.handleGroupMessages)
	s.router.Patch("/api/groups/{id}", s.handleUpdateGroup)

	// Corrections
	s.router.Post("/api/messages/{id}/split", s.handleSplit)
	s.router.Post("/api/groups/{id}/merge", s.handleMerge)

	// Threads
	s.router.Get("/api/threads/{id}", s.handleGetThread)
	s.router.Get("/api/threads/{id}/messages", s.handleThreadMessages)
}

// Start starts the HTTP server in the background.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", s.config.Server.Port).
		Str("version", s.version).
		Msg("Triage HTTP server started")

	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down...")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Warn().Err(err).Msg("Event listener close error")
		}
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close error")
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// Router exposes the configured router, mainly for tests.
func (s *Service) Router() http.Handler {
	return s.router
}
