package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/chat"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/llm"
	"github.com/hyperjump/kioku/internal/notebook"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/watcher"
	"github.com/hyperjump/kioku/pkg/utils"
)

func newServerCmd(opts *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts.configPath, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging (pipeline stages, file events, requests)")
	return cmd
}

func runServer(ctx context.Context, configPath string, debug bool) error {
	cfg, resolvedConfigPath, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	inbox := watcher.NewInbox(components.Pipeline, components.Storage, cfg.Watch.Notebooks, utils.Named(logger, "inbox"))
	watchSvc := watcher.NewWatcher(inbox, cfg.Watch.Extensions, cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(utils.Named(logger, "watcher")))
	if err := watchSvc.Start(watchCtx, cfg.Watch.Directories...); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	go watchSvc.Scan()

	srv := server.NewServer(server.Deps{
		Store:     components.Storage,
		Pipeline:  components.Pipeline,
		Notebooks: components.Notebooks,
		Chat:      components.Chat,
		Assembler: components.Assembler,
		Search:    components.Engine,
		Models:    components.Models,
		Watch:     watchSvc,
	}, cfg, resolvedConfigPath, logger)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// Components are the long-lived services the server wires together.
type Components struct {
	Storage   *storage.SQLiteStorage
	Embedder  embedding.Embedder
	Keywords  *keyword.BleveIndex
	Indexer   *indexer.Indexer
	Pipeline  *ingest.Pipeline
	Engine    *search.Engine
	Assembler *assembler.Assembler
	Models    *llm.Registry
	Chat      *chat.Service
	Notebooks *notebook.Service
}

// Close releases the components, draining the pipeline before storage goes away.
func (c *Components) Close() {
	if c.Pipeline != nil {
		_ = c.Pipeline.Close()
	}
	if c.Models != nil {
		_ = c.Models.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Keywords != nil {
		_ = c.Keywords.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.Driver, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Keywords, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.Embedder, err = embedding.New(ctx, cfg.Embedding, cfg.LLM, utils.Named(logger, "embedding"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Models, err = llm.NewFromConfig(ctx, cfg.LLM, utils.Named(logger, "llm"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat models: %w", err)
	}

	counter, err := assembler.NewCounter(cfg.Context.Counter)
	if err != nil {
		return nil, err
	}
	overflow, err := assembler.ParseOverflow(cfg.Context.Overflow)
	if err != nil {
		return nil, err
	}

	c.Indexer = indexer.NewIndexer(c.Storage, c.Embedder, c.Keywords,
		indexer.WithLogger(utils.Named(logger, "indexer")),
		indexer.WithLimiter(ingest.NewLimiter(cfg.Ingest.EmbedRate, cfg.Ingest.EmbedBurst)),
	)
	extractor := extract.NewExtractor()
	resolver := extract.NewResolver(extractor, extract.NewFetcher(cfg.Ingest.LinkTimeout, extractor))
	c.Pipeline = ingest.NewPipeline(c.Storage, resolver, c.Indexer,
		indexer.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap),
		ingest.WithLogger(utils.Named(logger, "ingest")),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithQueueSize(cfg.Ingest.QueueSize),
	)

	retriever := search.NewRetriever(c.Storage, c.Embedder)
	c.Engine = search.NewEngine(c.Storage, c.Keywords, retriever,
		search.WithLogger(utils.Named(logger, "search")),
		search.WithSpellChecker(),
	)
	c.Assembler = assembler.New(c.Storage, retriever,
		assembler.WithLogger(utils.Named(logger, "assembler")),
		assembler.WithCounter(counter),
		assembler.WithOverflow(overflow),
		assembler.WithRetrieval(cfg.Retrieval.Threshold, cfg.Retrieval.Limit),
	)
	c.Chat = chat.NewService(c.Storage, c.Assembler, c.Models,
		chat.WithLogger(utils.Named(logger, "chat")),
		chat.WithTokenBudget(cfg.Context.TokenBudget),
		chat.WithSystemPrompt(cfg.LLM.SystemPrompt),
	)
	c.Notebooks = notebook.NewService(c.Storage, c.Indexer, notebook.WithLogger(utils.Named(logger, "notebook")))
	return c, nil
}
