package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/parleyhq/parley/config"
	broadcastpulse "github.com/parleyhq/parley/features/broadcast/pulse"
	clientspulse "github.com/parleyhq/parley/features/broadcast/pulse/clients/pulse"
	"github.com/parleyhq/parley/features/completion/anthropic"
	"github.com/parleyhq/parley/features/completion/openai"
	queueinmem "github.com/parleyhq/parley/features/queue/inmem"
	queuepulse "github.com/parleyhq/parley/features/queue/pulse"
	storeinmem "github.com/parleyhq/parley/features/store/inmem"
	storepostgres "github.com/parleyhq/parley/features/store/postgres"
	"github.com/parleyhq/parley/runtime/dialog/broadcast"
	"github.com/parleyhq/parley/runtime/dialog/completion"
	"github.com/parleyhq/parley/runtime/dialog/queue"
	"github.com/parleyhq/parley/runtime/dialog/service"
	"github.com/parleyhq/parley/runtime/dialog/store"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "parley.yaml", "Configuration file path")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "load configuration"})
	}

	// Persistence.
	var st store.Store
	if cfg.Postgres.DSN != "" {
		pg, err := storepostgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "open postgres"})
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "ensure schema"})
		}
		st = pg
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "no postgres dsn, using in-memory store"})
		st = storeinmem.New()
	}

	// Redis backs the cross-process broadcast and the job queue.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "parse redis url"})
		}
		rdb = redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "ping redis"})
		}
	}

	// Registry from configuration files.
	reg, err := config.BuildRegistry(ctx, cfg, logger)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "build registry"})
	}
	log.Print(ctx, log.KV{K: "templates", V: len(reg.Templates())})

	// Broadcast bus with a publisher and relay when Redis is configured.
	busOpts := []broadcast.Option{broadcast.WithMetrics(metrics)}
	var (
		pulseClient clientspulse.Client
		origin      string
	)
	if rdb != nil {
		pulseClient, err = clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "create pulse client"})
		}
		publisher, err := broadcastpulse.NewPublisher(pulseClient, "")
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "create broadcast publisher"})
		}
		origin = publisher.Origin()
		busOpts = append(busOpts, broadcast.WithPublisher(publisher))
	}
	bus := broadcast.New(logger, busOpts...)

	var relay *broadcastpulse.Relay
	if pulseClient != nil {
		relay, err = broadcastpulse.NewRelay(ctx, pulseClient, bus, origin, logger)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "create broadcast relay"})
		}
	}

	// Queue worker mux and backend.
	worker := queue.NewWorker(cfg.Queue.JobTimeout)
	worker.SetMetrics(metrics)
	var q queue.Queue
	if rdb != nil {
		q, err = queuepulse.New(ctx, queuepulse.Options{
			Redis:    rdb,
			PoolName: cfg.Queue.PoolName,
			Worker:   worker,
			Logger:   logger,
		})
	} else {
		q, err = queueinmem.New(queueinmem.Options{
			Worker:      worker,
			Dispatchers: cfg.Queue.Workers,
			Logger:      logger,
		})
	}
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create queue"})
	}

	// Workflow service.
	svc, err := service.New(service.Options{
		Store:      st,
		Registry:   reg,
		Completion: buildCompletion(ctx),
		Queue:      q,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create workflow service"})
	}
	svc.RegisterJobs(worker)

	log.Print(ctx, log.KV{K: "msg", V: "parleyd started"})

	// Run until SIGINT/SIGTERM, then shut everything down in order.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bus.Close(shutdownCtx)
	if err := q.Close(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "close queue"})
	}
	if relay != nil {
		relay.Close(shutdownCtx)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close redis"})
		}
	}
	if err := st.Close(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "close store"})
	}
}

// buildCompletion assembles the provider chain from the API keys present
// in the environment. Bedrock callers construct their own runtime client
// and wire the provider programmatically.
func buildCompletion(ctx context.Context) completion.Service {
	var providers []completion.Service
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := anthropic.NewFromAPIKey(key, anthropic.Options{})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "anthropic provider"})
		}
		providers = append(providers, p)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := openai.NewFromAPIKey(key, openai.Options{})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "openai provider"})
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		log.Warn(ctx, log.KV{K: "msg", V: "no completion provider configured"})
	}
	return completion.NewChain(providers...)
}
