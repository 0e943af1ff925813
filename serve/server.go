package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// Server is the composition root: it wires storage, clients, services,
// tools, skills, and the scheduler, and owns their lifecycle.
type Server struct {
	cfg *Config

	store    *store.Store
	bus      *vigil.Bus
	broker   *EventBroker
	llm      *llm.Client
	threads  *ThreadService
	memory   *MemoryService
	jobs     *JobsService
	agent    *AgentService
	skills   *vigil.SkillRegistry
	titler   *TitleHandler
	sched    *Scheduler
	notifier *Notifier

	inflightMu sync.Mutex
	inflight   map[int64]bool
}

// New creates an unwired server.
func New(cfg *Config) *Server {
	return &Server{
		cfg:      cfg,
		inflight: make(map[int64]bool),
	}
}

// Start opens storage, wires every component, starts the scheduler,
// and serves HTTP until ctx is cancelled. Shutdown order: stop
// accepting requests, stop the scheduler (cancelling in-flight runs),
// close storage. Crash recovery rests on the run lease, not on
// graceful drain.
func (s *Server) Start(ctx context.Context) error {
	db, err := store.Open(s.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	s.store = store.New(db)

	s.llm = llm.NewClient(
		llm.WithAPIKey(s.cfg.APIKey),
		llm.WithChatModel(s.cfg.ChatModel),
		llm.WithEmbedModel(s.cfg.EmbedModel),
	)

	s.bus = vigil.NewBus()
	s.broker = NewEventBroker()
	s.bus.Subscribe(vigil.TopicSSE, func(payload any) {
		if ev, ok := payload.(vigil.SSEPayload); ok {
			s.broker.Publish(ev)
		}
	})

	s.threads = NewThreadService(s.store)
	s.memory = NewMemoryService(s.store, s.llm)
	s.notifier = NewNotifier(s.cfg.PushEndpoint, s.cfg.PushChannel)
	directions := NewDirectionsClient(s.cfg.MapsAPIKey)

	s.skills = vigil.NewSkillRegistry()
	if directions.Configured() {
		s.skills.Register(NewDepartureCheckSkill(directions, s.notifier))
	} else {
		slog.Info("directions API not configured; departure-check skill disabled")
	}

	s.jobs = NewJobsService(s.store, s.skills)

	tools := vigil.NewTools()
	RegisterTools(tools, toolDeps{
		memory:     s.memory,
		notifier:   s.notifier,
		directions: directions,
		fetcher:    NewFetcher(),
		jobs:       s.jobs,
		skills:     s.skills,
	})

	s.agent = NewAgentService(s.threads, s.llm, s.memory, tools, s.bus, s.cfg.MaxIterations)
	s.titler = NewTitleHandler(s.threads, s.llm, s.bus)

	s.sched = NewScheduler(s.store, s.threads, s.agent, s.skills, s.notifier, s.cfg.AppURL)
	s.sched.Start(ctx)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vigil listening", "addr", s.cfg.Addr())
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		s.sched.Stop()
		db.Close()
		return err
	}

	// Close broker first so SSE handlers unblock and the server can
	// drain within its budget.
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	s.sched.Stop()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	return nil
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Chat
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	// Server-wide event channel
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Threads
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)

	// Memory
	mux.HandleFunc("GET /api/memories", s.handleListMemories)
	mux.HandleFunc("PUT /api/memories/{id}", s.handleUpdateMemory)
	mux.HandleFunc("DELETE /api/memories/{id}", s.handleDeleteMemory)

	// Jobs
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)

	// Skills
	mux.HandleFunc("GET /api/skills", s.handleListSkills)

	// Operational
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}
