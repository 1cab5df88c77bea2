package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/convozap/convozap/internal/chat"
	"github.com/convozap/convozap/internal/config"
	"github.com/convozap/convozap/internal/conversation"
	"github.com/convozap/convozap/internal/db"
	"github.com/convozap/convozap/internal/embeddings"
	"github.com/convozap/convozap/internal/handlers"
	"github.com/convozap/convozap/internal/logger"
	"github.com/convozap/convozap/internal/server"
	"github.com/convozap/convozap/internal/vector"
	"github.com/convozap/convozap/internal/whatsapp"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideVectorIndex,
			provideEmbedder,
			provideCompleter,
			provideStore,
			provideBinder,
			provideAssembler,
			provideGatewayClient,
			provideSession,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideChatHandler),
			provideServerHandler(provideWhatsAppHandler),
			provideServer,
		),
		fx.Invoke(
			startSession,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, err
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideVectorIndex(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*vector.Index, error) {
	index, err := vector.NewIndex(log, cfg.Qdrant.BaseURL, cfg.Qdrant.APIKey, cfg.Qdrant.Collection,
		cfg.Embedding.Dimensions, seconds(cfg.Qdrant.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error { return index.EnsureCollection(ctx) }})
	return index, nil
}

func provideEmbedder(log *slog.Logger, cfg config.Config) (embeddings.Embedder, error) {
	return embeddings.NewOpenAIEmbedder(log, cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, seconds(cfg.Embedding.TimeoutSeconds))
}

func provideCompleter(log *slog.Logger, cfg config.Config) (chat.Completer, error) {
	return chat.NewClient(log, cfg.Completion.BaseURL, cfg.Completion.JWT,
		cfg.Completion.Model, seconds(cfg.Completion.TimeoutSeconds))
}

func provideStore(log *slog.Logger, pool *pgxpool.Pool, index *vector.Index) conversation.Store {
	return conversation.NewPostgresStore(log, pool, index)
}

func provideBinder(log *slog.Logger, store conversation.Store) *conversation.Binder {
	return conversation.NewBinder(log, store)
}

func provideAssembler(log *slog.Logger, cfg config.Config, store conversation.Store, embedder embeddings.Embedder, completer chat.Completer) *conversation.Assembler {
	return conversation.NewAssembler(log, store, embedder, completer,
		cfg.Conversation.TokenBudget, cfg.Conversation.RelevantLimit)
}

func provideGatewayClient(log *slog.Logger, cfg config.Config) (*whatsapp.Client, error) {
	if !cfg.WhatsApp.Enabled {
		return nil, nil
	}
	return whatsapp.NewClient(log, cfg.WhatsApp.BaseURL, cfg.WhatsApp.APIKey, cfg.WhatsApp.Instance, 0)
}

func provideSession(log *slog.Logger, cfg config.Config, binder *conversation.Binder, assembler *conversation.Assembler, client *whatsapp.Client) *whatsapp.Session {
	if !cfg.WhatsApp.Enabled {
		return nil
	}
	return whatsapp.NewSession(log, cfg.WhatsApp, binder, assembler, client)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideChatHandler(log *slog.Logger, assembler *conversation.Assembler) *handlers.ChatHandler {
	return handlers.NewChatHandler(log, assembler)
}

func provideWhatsAppHandler(log *slog.Logger, session *whatsapp.Session, binder *conversation.Binder, assembler *conversation.Assembler, client *whatsapp.Client) *handlers.WhatsAppHandler {
	var sessionState handlers.SessionState
	var sender handlers.Sender
	var state handlers.StateQuerier
	if session != nil {
		sessionState = session
	}
	if client != nil {
		sender = client
		state = client
	}
	return handlers.NewWhatsAppHandler(log, sessionState, binder, assembler, sender, state)
}

type serverParams struct {
	fx.In

	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(log *slog.Logger, cfg config.Config, p serverParams) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, p.Handlers...)
}

func startSession(lc fx.Lifecycle, session *whatsapp.Session) {
	if session == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { session.Start(); return nil },
		OnStop:  func(ctx context.Context) error { session.Disconnect(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
