package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/metrics"
	"github.com/playloop/game-engine/internal/risk"
	"github.com/playloop/game-engine/internal/round"
	"github.com/playloop/game-engine/internal/scheduler"
	"github.com/playloop/game-engine/internal/server"
	"github.com/playloop/game-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Game catalog ---
	var cat *catalog.Catalog
	if path := os.Getenv("GAMES_CONFIG"); path != "" {
		var err error
		cat, err = catalog.Load(path)
		if err != nil {
			slog.Error("failed to load game catalog", "path", path, "err", err)
			os.Exit(1)
		}
		slog.Info("game catalog loaded", "path", path, "games", len(cat.Games()))
	} else {
		cat = catalog.Default()
		slog.Info("using built-in game catalog", "games", len(cat.Games()))
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Country risk rules ---
	if path := os.Getenv("COUNTRIES_CONFIG"); path != "" {
		n, err := risk.LoadCountryConfigs(context.Background(), path, st)
		if err != nil {
			slog.Error("failed to load country configs", "path", path, "err", err)
			os.Exit(1)
		}
		slog.Info("country risk rules loaded", "path", path, "countries", n)
	} else if code := os.Getenv("DEFAULT_COUNTRY"); code != "" {
		if err := st.PutCountryConfig(context.Background(), risk.DefaultCountryConfig(code)); err != nil {
			slog.Error("failed to seed default country", "err", err)
			os.Exit(1)
		}
		slog.Info("seeded default country risk rules", "country", code)
	}

	// --- Risk engine ---
	// Permissive identity provider for development; production deployments
	// wire the KYC service client here.
	defaultCountry := os.Getenv("DEFAULT_COUNTRY")
	if defaultCountry == "" {
		defaultCountry = "GB"
	}
	identity := risk.IdentityFunc(func(_ context.Context, userID string) (risk.Identity, error) {
		return risk.Identity{
			UserID:      userID,
			AgeVerified: true,
			KYCApproved: true,
			CountryCode: defaultCountry,
		}, nil
	})
	riskEngine := risk.NewEngine(st, identity)

	// --- WebSocket hub ---
	wsHub := server.NewWSHub()
	go wsHub.Run()

	// --- Round engine ---
	rounds := round.NewEngine(cat, st, riskEngine, round.WithBroadcaster(wsHub))

	// Pick up rounds left unsettled by a previous run so the sweep can
	// finish them.
	if _, err := rounds.Recover(context.Background()); err != nil {
		slog.Error("round recovery failed", "err", err)
		os.Exit(1)
	}

	// --- Background jobs ---
	sched, err := scheduler.New(rounds, cat)
	if err != nil {
		slog.Error("failed to build scheduler", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Shutdown()

	// --- Game service ---
	svc := server.NewService(cat, rounds, riskEngine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time round updates.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("game-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down game-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("game-engine stopped")
}
