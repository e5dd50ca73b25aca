// Package app wires the delivery components from configuration. The server
// and worker binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/db"
	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/queue"
	"github.com/unclebandit/campaign-delivery/internal/ratelimit"
	"github.com/unclebandit/campaign-delivery/internal/render"
	"github.com/unclebandit/campaign-delivery/internal/repository"
	"github.com/unclebandit/campaign-delivery/internal/service"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

type App struct {
	Config      *config.Config
	Log         zerolog.Logger
	DB          *sqlx.DB
	Redis       *redis.Client
	Queue       queue.Queue
	Limiter     ratelimit.Limiter
	Publisher   events.Publisher
	Dispatchers dispatch.Registry
	Metrics     *metrics.Metrics
	Tracker     *tracker.Tracker
	Credentials *repository.CredentialRepository
	Worker      *service.Worker
	Campaigns   *service.CampaignService
}

// New connects to the database (and Redis when it backs the rate limiter) and
// builds every component. reg receives the metrics; nil disables them.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	conn, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		return nil, err
	}
	a.DB = conn

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	qopts := queue.Options{
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		BaseBackoff:       cfg.Worker.BaseBackoff,
		MaxBackoff:        cfg.Worker.MaxBackoff,
	}
	switch strings.ToLower(cfg.App.QueueBackend) {
	case "", "postgres":
		a.Queue = queue.NewPostgresQueue(a.DB, qopts)
	case "memory":
		a.Queue = queue.NewMemoryQueue(qopts)
	default:
		return fmt.Errorf("app: unsupported queue backend %q", cfg.App.QueueBackend)
	}

	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "", "redis":
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("app: redis ping: %w", err)
		}
		a.Limiter = ratelimit.NewRedisLimiter(a.Redis, nil)
	case "memory":
		a.Limiter = ratelimit.NewMemoryLimiter(nil)
	default:
		return fmt.Errorf("app: unsupported rate limit backend %q", cfg.RateLimit.Backend)
	}

	pub, err := events.New(cfg, log)
	if err != nil {
		return err
	}
	a.Publisher = pub

	a.Dispatchers, err = dispatch.New(cfg.Providers, log)
	if err != nil {
		return err
	}

	messages := &repository.MessageRepository{DB: a.DB}
	campaigns := &repository.CampaignRepository{DB: a.DB}
	templates := &repository.TemplateRepository{DB: a.DB}
	a.Credentials = &repository.CredentialRepository{DB: a.DB}

	a.Tracker = tracker.New(messages, log,
		tracker.WithPublisher(pub), tracker.WithMetrics(a.Metrics))

	a.Worker = service.NewWorker(service.WorkerDeps{
		Queue:       a.Queue,
		Campaigns:   campaigns,
		Templates:   templates,
		Credentials: a.Credentials,
		Tracker:     a.Tracker,
		Dispatchers: a.Dispatchers,
		Limiter:     a.Limiter,
		Renderer:    render.New(),
		Publisher:   pub,
		Metrics:     a.Metrics,
		Log:         log,
	}, cfg.Worker, cfg.RateLimit, cfg.Providers)

	a.Campaigns = &service.CampaignService{
		CampaignRepo:  campaigns,
		TemplateRepo:  templates,
		RecipientRepo: &repository.RecipientRepository{DB: a.DB},
		MessageRepo:   messages,
		Queue:         a.Queue,
		Renderer:      render.New(),
		Publisher:     pub,
		Rates:         a.Worker,
		Log:           log.With().Str("component", "campaigns").Logger(),
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
