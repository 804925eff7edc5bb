package main

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"rbio.com/nutribot/internal/config"
	"rbio.com/nutribot/internal/core"
	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
	"rbio.com/nutribot/internal/vectorstore"
)

// app owns the clients shared by serve and ingest. close releases them in reverse order.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db       store.DataStore
	sqlite   *store.SQLiteStore
	supabase *supabase.Client
	llm      *core.LLMService

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.Database.Driver {
	case "sqlite":
		db, err := store.NewSQLiteStore(cfg.Database.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db, a.sqlite = db, db
	case "supabase":
		client, err := a.supabaseClient()
		if err != nil {
			return nil, err
		}
		a.db = store.NewSupabaseStore(client)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	a.onClose(func() {
		if err := a.db.Close(); err != nil {
			logger.Warn("error closing database", zap.Error(err))
		}
	})

	llm, err := core.NewLLMService(ctx, core.LLMConfig{
		APIKey:         cfg.Gemini.APIKey,
		ChatModel:      cfg.Gemini.ChatModel,
		EmbeddingModel: cfg.Gemini.EmbeddingModel,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.llm = llm
	a.onClose(llm.Close)

	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) supabaseClient() (*supabase.Client, error) {
	if a.supabase != nil {
		return a.supabase, nil
	}
	client, err := store.NewSupabaseClient(a.cfg.Database.SupabaseURL, a.cfg.Database.SupabaseKey)
	if err != nil {
		return nil, err
	}
	a.supabase = client
	return client, nil
}

// vectorIndex returns the configured search backend. The memory backend is filled from the sqlite
// embeddings table; the ingest side of it writes to that table.
func (a *app) vectorIndex(ctx context.Context) (vectorstore.Searcher, vectorstore.Indexer, error) {
	switch a.cfg.Vector.Backend {
	case "memory":
		if a.sqlite == nil {
			return nil, nil, errors.New("the memory vector backend requires the sqlite driver")
		}
		idx := vectorstore.NewMemoryIndex(a.logger)
		if err := idx.Load(ctx, a.sqlite); err != nil {
			return nil, nil, err
		}
		if idx.Len() == 0 {
			a.logger.Warn("vector index is empty, run the ingest command first")
		}
		return idx, a.sqlite, nil
	case "qdrant":
		idx, err := vectorstore.NewQdrantIndex(vectorstore.QdrantConfig{
			URL:        a.cfg.Vector.QdrantURL,
			Collection: a.cfg.Vector.Collection,
			APIKey:     a.cfg.Vector.QdrantAPIKey,
		})
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func() {
			if err := idx.Close(); err != nil {
				a.logger.Warn("error closing qdrant client", zap.Error(err))
			}
		})
		return idx, idx, nil
	case "supabase":
		client, err := a.supabaseClient()
		if err != nil {
			return nil, nil, err
		}
		idx := vectorstore.NewSupabaseIndex(client, a.cfg.Database.SupabaseURL, a.cfg.Database.SupabaseKey)
		return idx, idx, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", a.cfg.Vector.Backend)
	}
}

func (a *app) sessionStore(ctx context.Context) (session.Store, *session.Locker, error) {
	cfg := a.cfg.Session
	lockerOpts := []session.LockerOption{session.WithLockerLogger(a.logger)}

	switch cfg.Backend {
	case "memory":
		sessions := session.NewMemoryStore(cfg.TTL, cfg.SweepInterval)
		a.onClose(func() { _ = sessions.Close() })
		return sessions, session.NewLocker(lockerOpts...), nil
	case "redis":
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.onClose(func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("error closing redis client", zap.Error(err))
			}
		})

		pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}

		if cfg.DistributedLock {
			lockerOpts = append(lockerOpts,
				session.WithDistributedLocker(session.NewRedisLocker(client, cfg.Prefix), cfg.LockTTL))
		}
		sessions := session.NewRedisStore(client, cfg.TTL,
			session.WithPrefix(cfg.Prefix),
			session.WithTimeout(cfg.RedisTimeout))
		return sessions, session.NewLocker(lockerOpts...), nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
