package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fieldline/syncengine/internal/httpapi"
	"github.com/fieldline/syncengine/internal/syncengine"
)

func main() {
	cfg, err := syncengine.LoadConfig(os.Getenv("SYNCENGINE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	backendDSN, err := backendDSNFromProfile(cfg.BackendDSN)
	if err != nil {
		log.Fatalf("failed to resolve backend: %v", err)
	}
	backend, err := syncengine.BuildBackendFromDSN(backendDSN, syncengine.BackendOptions{
		MaxDeadRecords: cfg.MaxDeadOps,
		MaxRetries:     cfg.MaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to open backend %s: %v", backendDSN, err)
	}

	tokenProvider := tokenProviderFromEnv()
	client := syncengine.NewHTTPRemoteClient(syncengine.RemoteClientOptions{
		BaseURL:       cfg.RemoteBaseURL,
		TokenProvider: tokenProvider,
		UserAgent:     cfg.UserAgent,
	})

	validator := syncengine.NewPayloadValidator()
	for entityType, schemaPath := range cfg.Schemas {
		schemaJSON, readErr := os.ReadFile(schemaPath)
		if readErr != nil {
			log.Fatalf("failed to read schema for %s: %v", entityType, readErr)
		}
		if err := validator.RegisterSchema(entityType, schemaJSON); err != nil {
			log.Fatalf("failed to register schema for %s: %v", entityType, err)
		}
	}

	engine, err := syncengine.NewEngine(syncengine.EngineOptions{
		Backend:   backend,
		Client:    client,
		Validator: validator,
		Connectivity: syncengine.ConnectivityOptions{
			ProbeInterval: cfg.ProbeInterval,
			ProbeTimeout:  cfg.ProbeTimeout,
			NetStatePath:  cfg.NetStatePath,
		},
		Pusher: syncengine.PusherOptions{
			BatchSize:   cfg.PushBatchSize,
			Workers:     cfg.PushWorkers,
			BaseDelay:   cfg.PushBaseDelay,
			MaxDelay:    cfg.PushMaxDelay,
			PushTimeout: cfg.PushTimeout,
		},
		Puller: syncengine.PullerOptions{
			TypeOrder:   cfg.TypeOrder,
			PageLimit:   cfg.PullPageLimit,
			Interval:    cfg.PullInterval,
			PullTimeout: cfg.PullTimeout,
		},
		Realtime: syncengine.RealtimeOptions{
			BaseURL:       cfg.RealtimeURL,
			TokenProvider: tokenProvider,
		},
		ChangeDebounce: cfg.ChangeDebounce,
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	engine.Start()

	for _, tenantID := range splitList(os.Getenv("SYNCENGINE_TENANTS")) {
		if err := engine.OpenSession(tenantID); err != nil {
			log.Fatalf("failed to open session for tenant %s: %v", tenantID, err)
		}
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:       cfg.AuthSecret,
		RateLimitMax:    intEnv("SYNCENGINE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SYNCENGINE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SYNCENGINE_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("syncengined listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Fatalf("server failed: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := engine.Close(); err != nil {
		log.Printf("engine close: %v", err)
	}
}

func applyEnvOverrides(cfg *syncengine.Config) {
	if v := strings.TrimSpace(os.Getenv("SYNCENGINE_BACKEND_DSN")); v != "" {
		cfg.BackendDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCENGINE_REMOTE_URL")); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCENGINE_REALTIME_URL")); v != "" {
		cfg.RealtimeURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCENGINE_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNCENGINE_JWT_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCENGINE_NET_STATE_PATH")); v != "" {
		cfg.NetStatePath = v
	}
	if v := splitList(os.Getenv("SYNCENGINE_TYPE_ORDER")); len(v) > 0 {
		cfg.TypeOrder = v
	}
	cfg.ProbeInterval = durationEnv("SYNCENGINE_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.PullInterval = durationEnv("SYNCENGINE_PULL_INTERVAL", cfg.PullInterval)
	cfg.PushBatchSize = intEnv("SYNCENGINE_PUSH_BATCH_SIZE", cfg.PushBatchSize)
	cfg.PushWorkers = intEnv("SYNCENGINE_PUSH_WORKERS", cfg.PushWorkers)
	cfg.MaxRetries = intEnv("SYNCENGINE_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxDeadOps = intEnv("SYNCENGINE_MAX_DEAD_OPS", cfg.MaxDeadOps)
}

// tokenProviderFromEnv supports a static token for all tenants or
// per-tenant tokens via SYNCENGINE_TOKEN_<TENANT>.
func tokenProviderFromEnv() syncengine.AccessTokenProvider {
	staticToken := strings.TrimSpace(os.Getenv("SYNCENGINE_TOKEN"))
	return func(_ context.Context, tenantID string) (string, error) {
		key := "SYNCENGINE_TOKEN_" + strings.ToUpper(strings.ReplaceAll(tenantID, "-", "_"))
		if token := strings.TrimSpace(os.Getenv(key)); token != "" {
			return token, nil
		}
		if staticToken != "" {
			return staticToken, nil
		}
		return "", fmt.Errorf("no access token configured for tenant %s", tenantID)
	}
}

func backendDSNFromProfile(configured string) (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SYNCENGINE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SYNCENGINE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".syncengine"
	}
	switch profile {
	case "", "custom":
		return configured, nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "embedded":
		return "sqlite://" + filepath.Join(dataDir, "sync.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("SYNCENGINE_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("SYNCENGINE_POSTGRES_DSN is required when SYNCENGINE_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported SYNCENGINE_BACKEND_PROFILE: %s", profile)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
