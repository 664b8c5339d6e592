package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/nexus/internal/assembler"
	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/messaging"
	"github.com/normanking/nexus/internal/orchestrator"
	"github.com/normanking/nexus/internal/router"
	"github.com/normanking/nexus/internal/scheduler"
	"github.com/normanking/nexus/internal/server"
)

// app holds the components shared by serve and the offline commands.
type app struct {
	cfg      *config.Config
	store    *data.Store
	provider *llm.OllamaProvider
	embedder *llm.OllamaEmbedder
	index    *knowledge.SQLiteIndex
	ingester *knowledge.Ingester

	// Set by startServices.
	pool      *memory.Pool
	publisher *messaging.Publisher
	sched     *scheduler.Scheduler
	srv       *server.Server
}

func newApp(c *config.Config) (*app, error) {
	store, err := data.NewDB(c.Database.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	provider := llm.NewOllamaProvider(llm.ProviderConfig{
		Endpoint:    c.LLM.Endpoint,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
	}, llm.WithTimeoutConfig(llm.TimeoutsFromConfig(c.LLM)))
	embedder := llm.NewOllamaEmbedder(llm.EmbedderConfigFrom(c.LLM))
	index := knowledge.NewSQLiteIndex(store, embedder)

	return &app{
		cfg:      c,
		store:    store,
		provider: provider,
		embedder: embedder,
		index:    index,
		ingester: knowledge.NewIngester(store, index,
			knowledge.NewChunker(c.Retrieval.ChunkSize, c.Retrieval.ChunkOverlap), c.Memory.Workers),
	}, nil
}

func knowledgeRequest(title, content string, expiresInDays int) knowledge.IngestRequest {
	req := knowledge.IngestRequest{Title: title, Content: content}
	if expiresInDays > 0 {
		at := time.Now().AddDate(0, 0, expiresInDays)
		req.ExpiresAt = &at
	}
	return req
}

// startServices wires the turn pipeline, background workers and HTTP server.
func (a *app) startServices(ctx context.Context) error {
	c := a.cfg
	logger := logging.Component("serve")

	rtr := router.NewModelRouter(router.NewRoutingConfig(c.Routing))
	extractor := memory.NewExtractor(a.store, a.embedder)
	a.pool = memory.NewPool(extractor, memory.PoolConfig{
		Workers:   c.Memory.Workers,
		QueueSize: c.Memory.QueueSize,
	})

	deps := orchestrator.Deps{
		Store:      a.store,
		Classifier: router.NewClassifier(router.DefaultClassifierConfig()),
		Router:     rtr,
		Assembler: assembler.New(a.index, memory.NewRecaller(a.store, a.embedder, c.Retrieval.MinMemoryScore), a.store,
			assembler.OptionsFromConfig(c.Retrieval)),
		Provider: a.provider,
		Memory:   a.pool,
	}
	srvDeps := server.Deps{
		Store:    a.store,
		Ingester: a.ingester,
		Memories: extractor,
		Provider: a.provider,
		Router:   rtr,
		Version:  version,
	}

	if c.Redis.Addr != "" {
		pub, err := messaging.NewPublisher(c.Redis)
		if err != nil {
			logger.Warn().Err(err).Str("addr", c.Redis.Addr).Msg("turn event stream disabled")
		} else {
			a.publisher = pub
			deps.Publisher = pub
			srvDeps.Redis = pub
		}
	}

	orch := orchestrator.New(deps, orchestrator.OptionsFromConfig(c))
	if err := orch.LoadPreferences(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to load learned model preferences")
	}
	srvDeps.Chat = orch

	sched, err := scheduler.New(a.store, c.Memory)
	if err != nil {
		return fmt.Errorf("memory maintenance: %w", err)
	}
	a.sched = sched
	a.sched.Start()

	if err := a.provider.Available(ctx); err != nil {
		logger.Warn().Err(err).Str("endpoint", c.LLM.Endpoint).Msg("Ollama not reachable; chat will report inference_unavailable until it is")
	}

	a.srv = server.New(c.Server, srvDeps)
	return nil
}

// Close stops everything startServices started, then closes the store.
func (a *app) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := a.startServices(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Start()
	}()
	log.Info().Str("addr", a.srv.Addr()).Str("version", version).Msg("nexus listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	return <-errCh
}
