// Package bootstrap builds the shared runtime dependencies of the library
// binaries from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"libraryhub/internal/ratelimit"
	"libraryhub/internal/usertoken"
	"libraryhub/pkg/queue"
	"libraryhub/pkg/storage"
	"libraryhub/pkg/store"
	"libraryhub/services/library/internal/app"
	"libraryhub/services/library/internal/config"
	"libraryhub/services/library/internal/security"
)

// Runtime holds the opened resources. Close releases them.
type Runtime struct {
	Config config.FileConfig
	Store  store.Store
	Redis  redis.UniversalClient
	App    *app.App
}

// Open connects to the database and optional Redis and MinIO, then builds the app.
func Open(ctx context.Context, cfg config.FileConfig) (*Runtime, error) {
	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt, err := OpenWithStore(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return rt, nil
}

// OpenWithStore builds the runtime on an already opened store. The store is
// owned by the caller until OpenWithStore succeeds.
func OpenWithStore(ctx context.Context, cfg config.FileConfig, st store.Store) (*Runtime, error) {
	ttl, err := config.ParseTokenTTL(cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	leeway, err := config.ParseLeeway(cfg.TokenLeeway)
	if err != nil {
		return nil, err
	}
	clearAt, err := config.ParseClock(cfg.ScheduleClearAt)
	if err != nil {
		return nil, err
	}
	codec, err := usertoken.NewCodec(usertoken.Config{
		Secret: cfg.TokenSecret,
		Issuer: cfg.TokenIssuer,
		TTL:    ttl,
		Leeway: leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	rt := &Runtime{Config: cfg}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			_ = rt.Redis.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		revoker = store.NewRedisTokenRevoker(rt.Redis, ttl+leeway)
	} else {
		slog.Warn("redis not configured; token revocation is per-instance and rate limiting is disabled")
	}

	var covers storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			rt.closeRedis()
			return nil, fmt.Errorf("init cover storage: %w", err)
		}
		covers = minioStore
	}

	rt.App, err = app.New(app.Config{
		Store:           st,
		Sessions:        store.NewJWTSessionStore(codec, revoker),
		Covers:          covers,
		ScheduleClearAt: clearAt,
	})
	if err != nil {
		rt.closeRedis()
		return nil, err
	}
	rt.Store = st
	return rt, nil
}

// Limiters returns the signup and login limiters. Both are nil without Redis
// or when their per-minute limit is zero.
func (rt *Runtime) Limiters() (signup, login ratelimit.Limiter, err error) {
	if rt.Redis == nil {
		return nil, nil, nil
	}
	build := func(name string, perMinute int) (ratelimit.Limiter, error) {
		if perMinute <= 0 {
			return nil, nil
		}
		return ratelimit.NewFixedWindowLimiter(rt.Redis, "libraryhub:ratelimit:"+name, perMinute, time.Minute)
	}
	if signup, err = build("signup", rt.Config.SignupRateLimitPerMinute); err != nil {
		return nil, nil, err
	}
	if login, err = build("login", rt.Config.LoginRateLimitPerMinute); err != nil {
		return nil, nil, err
	}
	return signup, login, nil
}

// Alerter returns the security alerter, or nil without Redis.
func (rt *Runtime) Alerter() (*security.Alerter, error) {
	if rt.Redis == nil {
		return nil, nil
	}
	return security.NewAlerter(rt.Redis, "libraryhub:alerts")
}

// Recorder builds the audit recorder selected by auditSink, mirrored to Kafka
// when brokers are configured.
func (rt *Runtime) Recorder() (app.Recorder, error) {
	var rec app.Recorder
	switch rt.Config.AuditSink {
	case "", "memory":
		rec = app.NewMemoryRecorder(rt.Store, rt.Config.AuditBuffer)
	case "redis":
		if rt.Redis == nil {
			return nil, errors.New("redis audit sink requires redisAddr")
		}
		q, err := queue.NewRedisStreamQueue(rt.Redis, queue.RedisQueueConfig{
			Stream:     rt.Config.AuditStream,
			Group:      "audit-writers",
			MaxRetries: 5,
			RetryDelay: time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init audit stream: %w", err)
		}
		rec = app.NewStreamRecorder(rt.Store, q, 2, 0)
	default:
		return nil, fmt.Errorf("unknown audit sink %q", rt.Config.AuditSink)
	}
	if len(rt.Config.KafkaBrokers) > 0 {
		rec = app.NewKafkaMirror(rec, app.NewKafkaWriter(rt.Config.KafkaBrokers, rt.Config.KafkaTopic), rt.Config.AuditBuffer)
	}
	return rec, nil
}

func (rt *Runtime) closeRedis() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
}

func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}
