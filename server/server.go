// Package server wires the chartlink HTTP surface: login round-trips,
// patient data APIs, and health checks.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/internal/logger"
	"github.com/carebridge/chartlink/internal/middleware"
	authhandlers "github.com/carebridge/chartlink/server/auth-handlers"
	health "github.com/carebridge/chartlink/server/health-handlers"
	patienthandlers "github.com/carebridge/chartlink/server/patient-handlers"
	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/carebridge/chartlink/pkg/smart/storage"
	"github.com/redis/go-redis/v9"
)

// Start builds the provider descriptor and token store from config,
// registers all routes, and serves until the listener fails.
func Start(cfg *config.Config) error {
	desc, err := BuildDescriptor(cfg, provider.Default())
	if err != nil {
		return fmt.Errorf("provider setup failed: %w", err)
	}

	store, err := BuildStore(cfg)
	if err != nil {
		return fmt.Errorf("storage setup failed: %w", err)
	}
	defer store.Close()

	mux := http.NewServeMux()
	health.RegisterRoutes(mux, "", cfg)
	authhandlers.RegisterRoutes(mux, "", cfg, desc, store)
	patienthandlers.RegisterRoutes(mux, "", cfg, desc, store)

	handler := middleware.NewChain(middleware.Recoverer, middleware.RequestLogger).Then(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Listening", "port", cfg.Port, "provider", desc.ID, "storage", cfg.Storage)
	return srv.ListenAndServe()
}

// BuildDescriptor resolves the configured provider from the registry and
// applies deployment overrides (credentials, redirect URI, tenant).
func BuildDescriptor(cfg *config.Config, registry *provider.Registry) (provider.Descriptor, error) {
	desc, err := registry.Get(cfg.ProviderID)
	if err != nil {
		return provider.Descriptor{}, err
	}

	values := map[string]string{}
	if cfg.TenantID != "" {
		values["TENANT"] = cfg.TenantID
	}
	desc = provider.ResolvePlaceholders(desc, values)

	if cfg.ClientID != "" {
		desc.ClientID = cfg.ClientID
	}
	if cfg.ClientSecret != "" {
		desc.ClientSecret = cfg.ClientSecret
	}
	desc.RedirectURI = cfg.CallbackURL()

	if err := desc.Validate(); err != nil {
		return provider.Descriptor{}, err
	}
	return desc, nil
}

// BuildStore creates the token store backend named by config.
func BuildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case "file":
		return storage.NewFileStore(cfg.StorageDir), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return storage.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	default:
		return storage.NewMemoryStore(), nil
	}
}
