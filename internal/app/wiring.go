// Package app assembles stores and the channel fabric from configuration.
// Both binaries share it.
package app

import (
	"context"
	"fmt"

	"diagram-collab/internal/broker"
	"diagram-collab/internal/config"
	"diagram-collab/internal/db"
	"diagram-collab/internal/repository"
	"diagram-collab/internal/repository/memstore"
	"diagram-collab/internal/services"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores groups the repositories the services need
type Stores struct {
	Sessions      services.SessionRepository
	Collaborators services.CollaboratorRepository
	Events        services.EventRepository
	Close         func() error
}

// MemoryStores backs every repository with one in-memory store
func MemoryStores() *Stores {
	m := memstore.New()
	return &Stores{Sessions: m, Collaborators: m, Events: m, Close: func() error { return nil }}
}

func OpenStores(cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("⚠️  Using in-memory store, sessions are lost on restart")
		return MemoryStores(), nil
	}

	database, err := db.NewGorm(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Sessions:      repository.NewSessionRepository(database.DB),
		Collaborators: repository.NewCollaboratorRepository(database.DB),
		Events:        repository.NewEventRepository(database.DB),
		Close:         database.Close,
	}, nil
}

func OpenBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (broker.Broker, error) {
	if cfg.BrokerDriver == config.BrokerRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("✓ Connected to Redis broker", zap.String("addr", cfg.RedisAddr))
		return &redisFabric{RedisBroker: broker.NewRedisBroker(client, logger, cfg.BrokerBuffer), client: client}, nil
	}

	b := broker.NewMemoryBroker(logger, cfg.BrokerBuffer)
	b.Start()
	return b, nil
}

// redisFabric owns the client it was opened with
type redisFabric struct {
	*broker.RedisBroker
	client *redis.Client
}

func (f *redisFabric) Close() error { return f.client.Close() }

// Services is the assembled service layer over a store and a fabric
type Services struct {
	Broadcaster *services.Broadcaster
	Lifecycle   *services.LifecycleManager
	Presence    *services.PresenceTracker
	Janitor     *services.Janitor
}

func NewServices(cfg *config.Config, st *Stores, publisher services.Publisher, logger *zap.Logger) *Services {
	broadcaster := services.NewBroadcaster(st.Events, publisher, logger)
	lifecycle := services.NewLifecycleManager(st.Sessions, st.Collaborators, broadcaster, logger,
		services.WithInviteBaseURL(cfg.InviteBaseURL))
	return &Services{
		Broadcaster: broadcaster,
		Lifecycle:   lifecycle,
		Presence:    services.NewPresenceTracker(st.Collaborators, broadcaster, logger, nil),
		Janitor: services.NewJanitor(st.Sessions, st.Events, lifecycle, logger,
			services.WithSweepWorkers(cfg.JanitorWorkers),
			services.WithEventRetention(cfg.EventRetention)),
	}
}
