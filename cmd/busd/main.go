package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/trailtalk/chatsync/internal/auth"
	"github.com/trailtalk/chatsync/internal/bus"
	"github.com/trailtalk/chatsync/internal/db"
	"github.com/trailtalk/chatsync/internal/history"
)

type config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	DBDSN     string `env:"DB_DSN,required"`
	JWTSecret string `env:"JWT_SECRET,required"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("❌ Bad configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	database, err := db.New(cfg.DBDSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	defer database.Close()
	log.Println("✅ Connected to PostgreSQL")

	if err := database.Migrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database schema initialized")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	authRepo := auth.NewRepository(database.Conn)
	authService := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authService)
	authMiddleware := auth.NewMiddleware(authService)

	store := history.NewStore(database.Conn)

	hub := bus.NewHub(redisClient, store, logger)
	go hub.Run()

	wsHandler := bus.NewHandler(hub, logger)
	historyHandler := history.NewHandler(store, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", authHandler.Register)
	r.Post("/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/users/search", authHandler.SearchUsers)
		r.Get("/ws", wsHandler.ServeWs)
		historyHandler.Routes(r)
	})

	log.Printf("🚀 Bus daemon listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal(err)
	}
}
