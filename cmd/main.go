/**
 * @description
 * This is the main entry point for the spendguard-service. It is responsible for
 * initializing all components of the service, including configuration, the atomic
 * store backend, external API clients, message brokers, the guard registry, the
 * core application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * Store selection: Redis when REDIS_URL is reachable, otherwise Postgres when
 * DATABASE_URL is set, otherwise the in-memory store (single-process only).
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/guard, internal/store.
 * - pkg/executionclient: Client for the execution API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentrails/spendguard-service/internal/api"
	"github.com/agentrails/spendguard-service/internal/app"
	"github.com/agentrails/spendguard-service/internal/config"
	"github.com/agentrails/spendguard-service/internal/guard"
	"github.com/agentrails/spendguard-service/internal/store"
	"github.com/agentrails/spendguard-service/pkg/executionclient"
	rmrabbit "github.com/agentrails/spendguard-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting spendguard-service\" port=%s", cfg.ServerPort)

	// Pick the atomic store backend: Redis first, Postgres second, memory last.
	var atomicStore store.AtomicStore

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; trying next backend\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; trying next backend\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				atomicStore = store.NewRedisStore(redisClient, cfg.RedisKeyPrefix)
				log.Println("level=info component=bootstrap msg=\"redis store connected\"")
			}
		}
	}

	if atomicStore == nil && strings.TrimSpace(cfg.DatabaseURL) != "" {
		poolConfig, parseErr := pgxpool.ParseConfig(cfg.DatabaseURL)
		if parseErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", parseErr)
		}
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, poolErr := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if poolErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", poolErr)
		}
		defer dbpool.Close()

		pgStore := store.NewPostgresStore(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		schemaErr := pgStore.EnsureSchema(schemaCtx)
		cancelSchema()
		if schemaErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", schemaErr)
		}
		atomicStore = pgStore
		log.Println("level=info component=bootstrap msg=\"postgres store connected\"")
	}

	if atomicStore == nil {
		log.Println("level=warn component=bootstrap msg=\"no redis or postgres configured; using in-memory store (single process only)\"")
		atomicStore = store.NewMemoryStore()
	}

	// Initialize the RabbitMQ producer to publish lifecycle events.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the execution API.
	executor := executionclient.NewClient(cfg.ExecutionAPIBaseURL, cfg.ExecutionAPIKey)

	// Initialize the guard registry and the core application service.
	guards := guard.NewManager()
	paymentService := app.NewService(
		atomicStore,
		guards,
		app.NewFundLockService(atomicStore),
		app.NewReservationService(atomicStore),
		app.NewPaymentIntentService(atomicStore),
		executor,
		publisher,
		app.ServiceConfig{
			DefaultCurrency:  cfg.DefaultCurrency,
			DefaultIntentTTL: time.Duration(cfg.IntentTTLSeconds) * time.Second,
			LockTTL:          time.Duration(cfg.LockTTLSeconds) * time.Second,
			LockRetryCount:   cfg.LockRetryCount,
			LockRetryDelay:   time.Duration(cfg.LockRetryDelayMs) * time.Millisecond,
		},
	)

	// Initialize the API handlers.
	paymentHandlers := api.NewPaymentHandlers(paymentService)
	guardAdminHandlers := api.NewGuardAdminHandlers(paymentService, atomicStore)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(paymentHandlers, guardAdminHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the decision consumer: external approvals confirm or cancel
	// pending intents. The service degrades to API-only when the broker is
	// unreachable.
	decisionConsumer := app.NewDecisionConsumer(paymentService)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; external decisions disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()

		decisionBindings := map[string]func([]byte) bool{
			"intent.approved": decisionConsumer.HandleApproved,
			"intent.rejected": decisionConsumer.HandleRejected,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.DecisionExchange, cfg.DecisionQueue, decisionBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"decision consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"decision consumer started\"")
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
