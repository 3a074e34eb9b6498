package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"flowrunner/pkg/config"
	"flowrunner/pkg/db"
	"flowrunner/pkg/email"
	"flowrunner/pkg/engine"
	lambdas "flowrunner/pkg/engine/handlers"
	"flowrunner/pkg/events"
	"flowrunner/pkg/history"
	"flowrunner/pkg/logging"
	"flowrunner/pkg/sms"
	"flowrunner/services/flow"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("FLOWRUNNER_CONFIG"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var (
		sinks    events.Fanout
		hist     flow.HistoryReader
		sessions flow.SessionReader
	)

	if cfg.History.DSN != "" {
		store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			slog.Error("Failed to open history store", "driver", cfg.History.Driver, "error", err)
			return
		}
		defer store.Close()
		sinks = append(sinks, store)
		hist = store
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("Invalid redis url", "error", err)
			return
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			return
		}
		publisher := events.NewRedisPublisher(client, cfg.Redis.Channel)
		sinks = append(sinks, publisher)
		sessions = publisher
	}

	registry := lambdas.NewRegistry(lambdas.Dependencies{
		HTTPClient:  &http.Client{},
		EmailClient: emailClient(cfg.SMTP),
		SMSClient:   smsClient(cfg.Twilio),
	})
	if err := registry.Init(ctx); err != nil {
		slog.Error("Failed to initialise lambdas", "error", err)
		return
	}

	executor := engine.NewExecutor(registry,
		engine.WithLogger(logger),
		engine.WithEventSink(sinks),
		engine.WithMaxDepth(cfg.Engine.MaxDepth),
		engine.WithNodeTimeout(cfg.Engine.NodeTimeout),
	)

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	mainRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	flowService := flow.NewService(pool, executor, hist, sessions)
	flowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORS.Origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-Id"}),
		handlers.ExposedHeaders([]string{"X-Session-Id"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTP.Addr, "lambdas", registry.NodeTypes())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}

func emailClient(cfg config.SMTPConfig) email.Client {
	if cfg.Host == "" {
		slog.Warn("SMTP is not configured, emails will only be logged")
		return email.NewMockClient()
	}
	return email.NewSMTPClient(email.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
}

func smsClient(cfg config.TwilioConfig) sms.Client {
	if cfg.AccountSID == "" {
		slog.Warn("Twilio is not configured, SMS will only be logged")
		return sms.NewStubClient()
	}
	return sms.NewTwilioClient(sms.TwilioConfig{
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		FromNumber: cfg.From,
	}, &http.Client{})
}
