// Command bootstrap starts a single aegis mesh node: it wires together
// crypto identity, the trust fabric, the device transport server, the
// orchestrator, the provider registry, and service lifecycle supervision,
// then serves WebSocket connections until it receives a termination signal.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/aegismesh/aegis/pkg/access"
	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/capability"
	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/envelope"
	"github.com/aegismesh/aegis/pkg/lifecycle"
	"github.com/aegismesh/aegis/pkg/orchestrator"
	"github.com/aegismesh/aegis/pkg/providers"
	"github.com/aegismesh/aegis/pkg/token"
	"github.com/aegismesh/aegis/pkg/transport"
	"github.com/aegismesh/aegis/pkg/vault"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	if profileName := os.Getenv("AEGIS_PROFILE"); profileName != "" {
		profilesDir := os.Getenv("AEGIS_PROFILES_DIR")
		if profilesDir == "" {
			profilesDir = "pkg/config/profiles"
		}
		profile, err := config.LoadProfile(profilesDir, profileName)
		if err != nil {
			slog.Warn("profile load failed, continuing with env defaults", "profile", profileName, "error", err)
		} else {
			cfg = profile.Apply(cfg)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.NewPostgresLog(db)
	if err != nil {
		slog.Error("init audit log", "error", err)
		return 1
	}

	var vaultBackend vault.Backend
	if sqlitePath := os.Getenv("AEGIS_VAULT_SQLITE_PATH"); sqlitePath != "" {
		vaultBackend, err = vault.OpenSQLiteBackend(sqlitePath)
	} else {
		vaultBackend, err = vault.NewPostgresBackend(db)
	}
	if err != nil {
		slog.Error("init vault backend", "error", err)
		return 1
	}

	providerRegistry := providers.NewPostgresRegistry(db, auditLog)
	if err := providerRegistry.Init(ctx); err != nil {
		slog.Error("init provider registry", "error", err)
		return 1
	}

	keyStorePath := os.Getenv("AEGIS_MASTER_KEY_PATH")
	if keyStorePath == "" {
		keyStorePath = "aegis-master.key"
	}
	masterKeys, err := crypto.OpenMasterKeyStore(keyStorePath)
	if err != nil {
		slog.Error("open master key store", "error", err)
		return 1
	}

	var signer *crypto.Ed25519Signer
	if seed := os.Getenv("AEGIS_ROOT_DEVICE_SEED"); seed != "" {
		signer, err = crypto.NewEd25519SignerFromSeed([]byte(seed))
	} else {
		signer, err = crypto.NewEd25519Signer()
	}
	if err != nil {
		slog.Error("create root device signer", "error", err)
		return 1
	}

	rootDeviceID := os.Getenv("AEGIS_ROOT_DEVICE_ID")
	if rootDeviceID == "" {
		rootDeviceID = "root-device"
	}

	keyring := crypto.NewKeyRing()
	if err := keyring.Enroll(rootDeviceID, signer.PublicKey()); err != nil {
		slog.Error("enroll root device", "error", err)
		return 1
	}

	tokens := token.NewService(signer)
	validator := envelope.NewValidator(envelope.NewReplayWindow(cfg.ReplayWindow))

	rbac := access.NewRBAC()
	dataVault := vault.New(vaultBackend, masterKeys, rbac, auditLog)
	_ = dataVault // exercised by its own HTTP surface once that's wired in

	deviceOwner := func(deviceID string) (string, bool) { return rootDeviceID, deviceID != "" }
	guestIsolator := access.NewGuestIsolator(deviceOwner)

	capCache := capability.NewCache()
	capManager := capability.NewManager(capCache, unconfiguredServiceClient, map[string]string{})
	responsibilityRouter := orchestrator.NewResponsibilityRouter(capManager)
	processor := orchestrator.NewProcessor(responsibilityRouter, unconfiguredExecutor{}, auditLog).
		WithResponseCache(orchestrator.NewResponseCache(5 * time.Minute))
	_ = processor

	var providerCache providers.Cache
	if cfg.RedisURL != "" {
		if opts, parseErr := redis.ParseURL(cfg.RedisURL); parseErr == nil {
			providerCache = providers.NewRedisCache(redis.NewClient(opts), cfg.ProviderCacheTTL)
		} else {
			slog.Warn("invalid redis url, falling back to in-memory provider cache", "error", parseErr)
			providerCache = providers.NewMemoryCache(cfg.ProviderCacheTTL, 512)
		}
	} else {
		providerCache = providers.NewMemoryCache(cfg.ProviderCacheTTL, 512)
	}
	_ = providers.NewRequestRouter(providerRegistry, providerCache)

	supervisor := lifecycle.NewSupervisor(nil, 3, lifecycle.NewRestartPolicy(true, 5))
	go supervisor.RunHealthLoop(ctx, cfg.HealthCheckInterval)

	rateLimiter := transport.NewRateLimiter(cfg.RateLimitBurst, float64(cfg.RateLimitRPM)/60.0)
	monitor := transport.NewSecurityMonitor(auditLog)
	relayManager := transport.NewRelayManager(relayClientFromEnv("AEGIS_RELAY_PRIMARY_URL"), relayClientFromEnv("AEGIS_RELAY_SECONDARY_URL"))
	deviceRouter := transport.NewRouter(relayManager)
	server := transport.NewServer(rootDeviceID, signer, keyring, tokens, validator, rateLimiter, monitor, auditLog, deviceRouter).
		WithGuestIsolator(guestIsolator)

	addr, err := server.Start(":" + cfg.Port)
	if err != nil {
		slog.Error("start transport server", "error", err)
		return 1
	}
	slog.Info("aegis node listening", "addr", addr.String())

	if relayPort := os.Getenv("AEGIS_RELAY_PORT"); relayPort != "" {
		backstop := transport.NewHTTPBackstop(float64(cfg.RateLimitRPM)/60.0*10, cfg.RateLimitBurst*10)
		relayServer := &http.Server{Addr: ":" + relayPort, Handler: backstop.Middleware(transport.NewRelayServer(deviceRouter).Handler())}
		go func() {
			if err := relayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("relay server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := relayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("relay server shutdown", "error", err)
			}
		}()
		slog.Info("relay server listening", "port", relayPort)
	}

	<-ctx.Done()
	slog.Info("aegis node shutting down")
	return 0
}

// relayClientFromEnv builds an HTTP relay client targeting the peer URL
// named by envVar, or nil if that variable is unset (spec §4.11's relay
// slots are each optional).
func relayClientFromEnv(envVar string) transport.RelayClient {
	url := os.Getenv(envVar)
	if url == "" {
		return nil
	}
	return transport.NewHTTPRelayClient(url)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// unconfiguredServiceClient is the capability.ClientFactory used until
// per-service transport clients are wired from deployment-specific
// discovery metadata; DiscoverService calls fail cleanly rather than
// dialing out to an address nobody configured.
func unconfiguredServiceClient(serviceName, _ string) (capability.ServiceClient, error) {
	return nil, errors.New("no client factory configured for service " + serviceName)
}

type unconfiguredExecutor struct{}

func (unconfiguredExecutor) Execute(_ context.Context, target string, _ orchestrator.UserRequest) (string, error) {
	return "", errors.New("no executor configured for target " + target)
}
