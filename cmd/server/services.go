package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/auth"
	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/config"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/service"
	"github.com/makeasinger/bulkgen/internal/store"
	"github.com/makeasinger/bulkgen/internal/worker"
)

// services holds the long-lived collaborators shared by serve and scheduler
type services struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    store.Store
	shared   bool // store is visible to other processes
	redis    *redis.Client
	asynq    *asynq.Client
	comfy    *client.ComfyClient
	outputs  client.OutputStorage
	counters *service.Aggregator
	sched    *worker.Scheduler
	waker    service.Waker
}

func newServices(ctx context.Context, cfg *config.Config, notifier service.Notifier) (*services, error) {
	s := &services{cfg: cfg, log: logger.App()}

	if cfg.Mongo.URI != "" {
		st, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:               cfg.Mongo.URI,
			Database:          cfg.Mongo.Database,
			JobsCollection:    cfg.Mongo.JobsCollection,
			PromptsCollection: cfg.Mongo.PromptsCollection,
			ConnectTimeout:    cfg.Mongo.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.store = st
		s.shared = true
		s.log.WithField("database", cfg.Mongo.Database).Info("Using MongoDB store")
	} else {
		s.store = store.NewMemoryStore()
		s.log.Warn("MONGO_URI not set, using in-memory store; jobs are lost on restart")
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.log.WithError(err).Warn("Redis not available")
	}

	s.comfy = client.NewComfyClient(&cfg.Comfy)
	if !s.comfy.IsConfigured() {
		s.log.Warn("COMFY_BASE_URL not set, prompts will fail to submit")
	}

	outputs, err := client.NewOutputStorage(&cfg.Storage, &cfg.R2)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to create output storage: %w", err)
	}
	s.outputs = outputs

	s.counters = service.NewAggregator(s.store, notifier)
	s.sched = worker.NewScheduler(s.store, s.counters, s.comfy, s.outputs, worker.OptionsFromConfig(&cfg.Scheduler))

	s.waker = s.sched
	if s.shared {
		// schedulers in other processes share the store; tell them too
		s.asynq = asynq.NewClient(redisOpt(cfg))
		s.waker = worker.MultiWaker{s.sched, worker.NewQueueWaker(s.asynq, cfg.Scheduler.WakeDebounce)}
	}
	return s, nil
}

// startWakeServer consumes wake tasks published by other processes
func (s *services) startWakeServer() (*asynq.Server, error) {
	srv := asynq.NewServer(redisOpt(s.cfg), asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{worker.QueueScheduler: 1},
		Logger:      s.log.WithField("component", "asynq"),
	})

	mux := asynq.NewServeMux()
	mux.Handle(worker.TaskTypeWake, worker.NewWakeHandler(s.sched))

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start wake server: %w", err)
	}
	return srv, nil
}

func (s *services) bulkService() *service.BulkService {
	return service.NewBulkService(s.store, s.counters, s.waker, service.Options{MaxPrompts: s.cfg.Bulk.MaxPrompts})
}

// verifier accepts Zitadel tokens when an issuer is configured and locally
// issued tokens when a JWT secret is set
func (s *services) verifier() auth.TokenVerifier {
	var chain auth.Chain
	if s.cfg.Zitadel.Issuer != "" {
		v, err := auth.NewJWKSVerifier(&s.cfg.Zitadel)
		if err != nil {
			s.log.WithError(err).Warn("Zitadel JWKS verification disabled")
		} else {
			chain = append(chain, v)
		}
	}
	if s.cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(s.cfg.JWT.Secret))
	}
	return chain
}

func (s *services) Close(ctx context.Context) {
	if s.asynq != nil {
		s.asynq.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if err := s.store.Close(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to close store")
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}
