/*
app.go - Dependency wiring

PURPOSE:
  Builds every component from a Config: the SQLite store, the queue backend,
  the Redis client shared by queue, seen set and sessions, the metering
  service, the ingest gateway, the dispatcher and the janitor.

LIFECYCLE:
  buildApp opens everything or nothing. Close releases resources in reverse
  order of construction. The dispatcher only exists when a workflow URL is
  configured; the HTTP surface answers 503 for worker routes otherwise.

SEE ALSO:
  - serve.go: Runs the wired App behind HTTP
*/
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/api"
	"github.com/warp/inbound-engine/dedup"
	"github.com/warp/inbound-engine/dispatch"
	"github.com/warp/inbound-engine/ingest"
	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/session"
	"github.com/warp/inbound-engine/store/sqlite"
)

// App is the set of wired components.
type App struct {
	Config Config
	Log    zerolog.Logger

	Store      *sqlite.Store
	Redis      *redis.Client
	Queue      queue.Queue
	Ingested   dedup.Set
	Processed  dedup.Set
	Sessions   session.Store
	Metering   *metering.Service
	Gateway    *ingest.Gateway
	Dispatcher *dispatch.Dispatcher
	Janitor    *dispatch.Janitor

	closers []func() error
}

func buildApp(ctx context.Context, cfg Config, log zerolog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// Store
	app.Store, err = sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Store.Close)

	if cfg.usesRedis() {
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.closers = append(app.closers, app.Redis.Close)
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			return nil, queue.Unavailable("redis ping", err)
		}
	}

	// Queue and seen set
	policy := cfg.Policy()
	switch cfg.QueueBackend {
	case QueueSQLite:
		app.Queue = app.Store.Queue(sqlite.WithQueuePolicy(policy))
	case QueueMemory:
		app.Queue = queue.NewMemory(queue.WithPolicy(policy))
	case QueueRedis:
		app.Queue, err = queue.NewRedis(ctx, app.Redis,
			queue.WithRedisPrefix(cfg.RedisPrefix),
			queue.WithRedisPolicy(policy))
		if err != nil {
			return nil, err
		}
	}
	app.closers = append(app.closers, app.Queue.Close)

	// The gateway and the dispatcher answer different questions ("was this
	// webhook already queued" and "did the workflow already run") and must
	// not share keys, or every ingested message would look processed.
	if app.Redis != nil {
		app.Ingested = dedup.NewRedis(app.Redis, cfg.RedisPrefix+":ingested:")
		app.Processed = dedup.NewRedis(app.Redis, cfg.RedisPrefix+":processed:")
	} else {
		app.Ingested = dedup.NewMemory()
		app.Processed = dedup.NewMemory()
	}

	// Sessions
	var awsOpts []session.StoreOption
	var secretGetter ingest.SecretGetter
	if cfg.usesAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if cfg.SessionBackend == string(session.StoreTypeDynamoDB) {
			awsOpts = append(awsOpts, session.WithDynamoDB(dynamodb.NewFromConfig(awsCfg), cfg.SessionTable))
		}
		if cfg.WebhookSecretParam != "" {
			secretGetter, err = ingest.NewParamStore(ssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, err
			}
		}
	}

	sessOpts := append([]session.StoreOption{session.WithDefaultTTL(cfg.SessionTTL)}, awsOpts...)
	if app.Redis != nil {
		sessOpts = append(sessOpts,
			session.WithRedisClient(app.Redis),
			session.WithRedisPrefix(cfg.RedisPrefix+":session:"))
	}
	app.Sessions, err = session.NewStore(session.StoreType(cfg.SessionBackend), sessOpts...)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Sessions.Close)

	// Metering
	meterOpts := []metering.Option{metering.WithLogger(log)}
	if cfg.PricingFile != "" {
		pricing, err := loadPricingFile(cfg.PricingFile)
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, metering.WithPricing(pricing))
	}
	app.Metering = metering.NewService(app.Store, meterOpts...)

	// Gateway
	secret, err := webhookSecret(ctx, cfg, secretGetter)
	if err != nil {
		return nil, err
	}
	gwOpts := []ingest.Option{
		ingest.WithSeenSet(app.Ingested, dedup.DefaultTTL),
		ingest.WithLogger(log),
	}
	if len(secret) > 0 {
		gwOpts = append(gwOpts, ingest.WithSecret(secret))
	}
	app.Gateway = ingest.New(app.Queue, gwOpts...)

	// Dispatcher and janitor
	if cfg.WorkflowURL != "" {
		dcfg := dispatch.DefaultConfig()
		dcfg.Workers = cfg.Workers
		dcfg.ExecTimeout = cfg.ExecTimeout
		app.Dispatcher = dispatch.New(app.Queue, dispatch.NewHTTPExecutor(cfg.WorkflowURL),
			dispatch.WithConfig(dcfg),
			dispatch.WithMeter(app.Metering),
			dispatch.WithSeenSet(app.Processed),
			dispatch.WithNotifier(dispatch.LogNotifier{Log: log}),
			dispatch.WithLogger(log))
	}

	app.Janitor = dispatch.NewJanitor(app.Queue, log)
	app.Janitor.Interval = cfg.SweepEvery
	app.Janitor.Visibility = policy.Visibility
	app.Janitor.Retention = cfg.Retention

	return app, nil
}

// Handler returns the HTTP handler over the wired components. workerCtx is
// the parent of dispatcher runs started over HTTP.
func (a *App) Handler(workerCtx context.Context) *api.Handler {
	return &api.Handler{
		Queue:          a.Queue,
		Gateway:        a.Gateway,
		Dispatcher:     a.Dispatcher,
		Janitor:        a.Janitor,
		Metering:       a.Metering,
		Sessions:       a.Sessions,
		Log:            a.Log.With().Str("component", "api").Logger(),
		WorkerContext:  workerCtx,
		AllowedOrigins: a.Config.AllowedOrigins,
	}
}

// Close releases everything buildApp opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadPricingFile(path string) (metering.PricingTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pricing file: %w", err)
	}
	defer f.Close()
	return metering.LoadPricing(f)
}

func webhookSecret(ctx context.Context, cfg Config, getter ingest.SecretGetter) ([]byte, error) {
	if cfg.WebhookSecretParam == "" {
		return []byte(cfg.WebhookSecret), nil
	}
	v, err := getter.GetParameter(ctx, cfg.WebhookSecretParam)
	if err != nil {
		return nil, fmt.Errorf("read webhook secret: %w", err)
	}
	return []byte(v), nil
}
