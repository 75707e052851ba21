package app

import (
	"context"
	"errors"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	"github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/sqlite"
	"github.com/mihaimyh/subsync/storage/tiered"
)

// backend is what every durable store offers besides the admin scope.
type backend interface {
	subsync.Store
	subsync.AuditLog
}

// Stores is the storage wiring handed to the manager.
type Stores struct {
	Store      subsync.Store
	Admin      subsync.AdminStore
	Audit      subsync.AuditLog
	TimeSource subsync.TimeSource

	ping    []func(ctx context.Context) error
	closers []func() error
}

// Ping checks every opened backend.
func (s *Stores) Ping(ctx context.Context) error {
	for _, p := range s.ping {
		if err := p(ctx); err != nil {
			return fmt.Errorf("%w: %w", subsync.ErrStorageUnavailable, err)
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func (s *Stores) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// OpenStores opens the configured backend, fronted by the Redis cache tier
// when REDIS_CACHE is set.
func OpenStores(ctx context.Context, cfg *config.Config, log subsync.Logger) (*Stores, error) {
	s := &Stores{}
	if err := s.open(ctx, cfg, log); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg *config.Config, log subsync.Logger) error {
	sc := cfg.Storage

	var cold backend
	switch sc.Backend {
	case config.BackendPostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = sc.DatabaseURL
		pcfg.AdminConnectionString = sc.AdminDatabaseURL
		pcfg.Logger = log
		pg, err := postgres.New(ctx, pcfg)
		if err != nil {
			return err
		}
		s.onClose(func() error { pg.Close(); return nil })
		if sc.AutoMigrate {
			if err := postgres.Migrate(ctx, pg.Pool(), log); err != nil {
				return err
			}
		}
		cold, s.Admin, s.TimeSource = pg, pg.Admin(), pg
		s.ping = append(s.ping, pg.Ping)

	case config.BackendSQLite:
		lite, err := sqlite.New(sc.SQLitePath)
		if err != nil {
			return err
		}
		s.onClose(lite.Close)
		cold, s.Admin = lite, lite
		s.ping = append(s.ping, lite.Ping)

	case config.BackendRedis:
		rs, err := redis.New(s.redisClient(sc), redis.DefaultConfig())
		if err != nil {
			return err
		}
		cold, s.Admin, s.TimeSource = rs, rs, rs
		s.ping = append(s.ping, rs.Ping)

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, sc.FirestoreProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		s.onClose(client.Close)
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return err
		}
		cold, s.Admin, s.TimeSource = fs, fs, fs
		s.ping = append(s.ping, fs.Ping)

	case config.BackendMemory:
		mem := memory.New()
		cold, s.Admin = mem, mem

	default:
		return fmt.Errorf("unknown storage backend %q", sc.Backend)
	}

	s.Store, s.Audit = cold, cold
	if !sc.RedisCache {
		return nil
	}

	hot, err := redis.New(s.redisClient(sc), redis.Config{KeyPrefix: "subsync:cache:", CacheTTL: sc.RedisCacheTTL})
	if err != nil {
		return err
	}
	s.ping = append(s.ping, hot.Ping)
	t, err := tiered.New(tiered.Config{
		Hot:        hot,
		Cold:       cold,
		ColdAdmin:  s.Admin,
		AsyncAudit: sc.AsyncAudit,
		AsyncErrorHandler: func(err error) {
			log.Warn("tiered storage drift", subsync.F("error", err.Error()))
		},
	})
	if err != nil {
		return err
	}
	s.onClose(t.Close)
	s.Store, s.Admin, s.Audit = t, t.Admin(), t
	if s.TimeSource == nil {
		s.TimeSource = t
	}
	return nil
}

func (s *Stores) redisClient(sc config.StorageConfig) goredis.UniversalClient {
	client := goredis.NewClient(&goredis.Options{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	s.onClose(client.Close)
	return client
}
