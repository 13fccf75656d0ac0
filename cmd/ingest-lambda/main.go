/*
main.go - Webhook ingestion on AWS Lambda

PURPOSE:
  Runs the ingest gateway behind API Gateway. Messages land in the Redis
  queue, where an engine process started with --queue redis dispatches them.

ENVIRONMENT:
  REDIS_ADDR                  Redis address (required)
  REDIS_PREFIX                Key prefix, must match the engine (default: inbound)
  WEBHOOK_SECRET              HMAC secret, or
  WEBHOOK_SECRET_PARAM        SSM parameter holding it
  LOG_LEVEL                   zerolog level (default: info)
*/
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/dedup"
	"github.com/warp/inbound-engine/ingest"
	"github.com/warp/inbound-engine/queue"
)

func main() {
	ctx := context.Background()

	level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	// ---- Configuration (read only here) ----
	redisAddr := mustEnv(log, "REDIS_ADDR")
	prefix := envOr("REDIS_PREFIX", "inbound")

	// ---- Clients ----
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	q, err := queue.NewRedis(ctx, client, queue.WithRedisPrefix(prefix))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open queue")
	}

	opts := []ingest.Option{
		ingest.WithSeenSet(dedup.NewRedis(client, prefix+":ingested:"), dedup.DefaultTTL),
		ingest.WithLogger(log),
	}
	if secret := loadSecret(ctx, log); secret != "" {
		opts = append(opts, ingest.WithSecret([]byte(secret)))
	}

	// ---- Handler ----
	g := ingest.New(q, opts...)
	lambda.Start(g.HandleAPIGateway)
}

func loadSecret(ctx context.Context, log zerolog.Logger) string {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		return v
	}
	name := os.Getenv("WEBHOOK_SECRET_PARAM")
	if name == "" {
		log.Warn().Msg("no webhook secret configured, signatures are not verified")
		return ""
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	params, err := ingest.NewParamStore(awsssm.NewFromConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SSM client")
	}
	secret, err := params.GetParameter(ctx, name)
	if err != nil {
		log.Fatal().Err(err).Str("param", name).Msg("failed to read webhook secret")
	}
	return secret
}

func mustEnv(log zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal().Str("key", key).Msg("required environment variable is not set")
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
