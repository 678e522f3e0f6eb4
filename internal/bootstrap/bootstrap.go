// Package bootstrap wires the fan-out handler from a loaded Config. Both
// entry points share it so that Lambda and container deployments run the
// same pipeline.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"fanout/internal/bus"
	"fanout/internal/cache"
	"fanout/internal/config"
	"fanout/internal/db"
	"fanout/internal/fanout"
	"fanout/internal/feeds"
	"fanout/internal/storage"
	"fanout/internal/telemetry"
	"fanout/internal/types"
)

// App holds the wired handler and the clients that outlive a single batch.
type App struct {
	Handler *fanout.Handler
	SQS     *sqs.Client
	Bus     *bus.Bus

	pool  *pgxpool.Pool
	redis *cache.RedisCache
}

// Build creates every client and the handler. Callers must Close the App.
func Build(ctx context.Context, cfg *config.Config, logger types.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
	}
	endpoint := cfg.AWS.EndpointURL

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolSettings{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	app := &App{SQS: sqsClient, pool: pool}
	app.Bus = bus.New(sqsClient, snsClient, BusConfig(cfg), logger.With("component", "bus"))
	feedService := feeds.NewService(db.NewFeedRepository(pool), app.Bus, cfg.Database.StaleFeedsTTL,
		types.RealClock{}, logger.With("component", "feeds"))

	deps := fanout.Deps{
		Queue:   app.Bus,
		Feeds:   feedService,
		Objects: storage.NewObjectStore(s3Client, 0),
		Logger:  logger,
	}
	if cfg.Cache.Enabled() {
		app.redis = cache.NewRedisCache(cache.NewRedisClient(cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		}))
		settings := cache.DefaultBreakerSettings()
		settings.ConsecutiveFailures = cfg.Cache.BreakerFailures
		settings.OpenTimeout = cfg.Cache.BreakerTimeout
		deps.Cache = cache.NewBreakerCache(app.redis, settings)
		deps.Keys = cache.NewKeyGenerator(cfg.Cache.Replicas)
	} else {
		logger.Info("cache disabled, very large payloads are dropped without caching")
	}
	if cfg.Telemetry.ExportEnabled {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		deps.Summary = telemetry.NewCloudWatchPublisher(cw, cfg.Telemetry.MetricNamespace, logger)
	}

	app.Handler = fanout.NewHandler(HandlerConfig(cfg), deps)
	return app, nil
}

// BusConfig maps the service configuration onto the queue adapter.
func BusConfig(cfg *config.Config) bus.Config {
	return bus.Config{
		Region:             cfg.AWS.Region,
		AccountID:          cfg.AWS.AccountID,
		EndpointURL:        cfg.AWS.EndpointURL,
		IngestionQueueName: cfg.AWS.IngestionQueueName,
		TelemetryQueueName: cfg.AWS.TelemetryQueueName,
		FeedQueuePrefix:    cfg.AWS.FeedQueuePrefix,
		TopicNamePrefix:    cfg.AWS.TopicNamePrefix,
		FanoutConcurrency:  cfg.Fanout.DeliveryConcurrency,
	}
}

// HandlerConfig maps the service configuration onto the pipeline.
func HandlerConfig(cfg *config.Config) fanout.Config {
	cacheType := ""
	if cfg.Cache.Enabled() {
		cacheType = cfg.Cache.Type
	}
	return fanout.Config{
		Hostname:                  cfg.Hostname,
		StartSplitFromRoomSize:    cfg.Fanout.StartSplitFromRoomSize,
		SplitDistributionListSize: cfg.Fanout.SplitDistributionListSize,
		VLMCutoffBytes:            cfg.Fanout.VLMCutoffBytes,
		CacheType:                 cacheType,
		CacheItemTTL:              cfg.Cache.ItemTTL,
		TelemetryExportEnabled:    cfg.Telemetry.ExportEnabled,
		MaxConcurrency:            cfg.Fanout.MaxConcurrency,
	}
}

// Ping checks the feed registry and, when enabled, the cache.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if err := a.pool.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
