package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bloombridge/bridge"
	"bloombridge/cmd/internal/passphrase"
	"bloombridge/config"
	"bloombridge/crypto"
	"bloombridge/htlc"
	"bloombridge/native/peg"
	"bloombridge/native/ratelimit"
	"bloombridge/native/reserve"
	"bloombridge/observability/logging"
	"bloombridge/services/bridged/server"
	"bloombridge/storage"
)

const keystorePassEnv = "BRIDGE_KEYSTORE_PASS"

func main() {
	configFile := flag.String("config", "./bridge.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Listen address override")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BRIDGE_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("bridged", env, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if err := run(cfg, *listenFlag, logger); err != nil {
		logger.Error("bridged exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, listenOverride string, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	passSource := passphrase.NewSource(keystorePassEnv)
	keys, err := operatorKeySource(cfg, passSource, logger)
	if err != nil {
		return err
	}

	attester, err := cfg.AttesterAddress()
	if err != nil {
		return err
	}
	if attester == [20]byte{} {
		logger.Warn("no reserve attester configured; minting stays disabled")
	}
	gate := reserve.NewGate(attester, cfg.ReserveMaxAge())
	gate.SetAlertBps(cfg.Reserve.AlertBps)

	broadcaster, err := buildBroadcaster(cfg, logger)
	if err != nil {
		return err
	}
	params, err := htlc.NetworkParams(cfg.Network)
	if err != nil {
		return err
	}
	engine := htlc.NewEngine(params, broadcaster, cfg.FeeSats)

	supply := peg.NewSupplyLedger(store)
	ledger := bridge.NewIntentLedger(store)
	burns := bridge.NewBurnLedger(store)
	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimitWindow())
	hub := server.NewHub()

	manager, err := bridge.NewManager(bridge.Config{
		Network:          cfg.Network,
		Enabled:          cfg.RedemptionsEnabled,
		QuoteTTL:         cfg.QuoteTTL(),
		BroadcastTimeout: cfg.BroadcastTimeout(),
		MinRedeemBloom:   cfg.MinRedeemBloom,
		MaxRedeemBloom:   cfg.MaxRedeemBloom,
	}, bridge.Dependencies{
		Limiter: limiter,
		Gate:    gate,
		Supply:  supply,
		Engine:  engine,
		Ledger:  ledger,
		Burns:   burns,
		Emitter: hub,
		Keys:    keys,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Manager: manager,
		Burns:   burns,
		Gate:    gate,
		Hub:     hub,
		Logger:  logger,
	})

	listen := cfg.ListenAddress
	if strings.TrimSpace(listenOverride) != "" {
		listen = listenOverride
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go expireLoop(ctx, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridged listening",
			logging.MaskField("address", listen),
			logging.MaskField("network", cfg.Network),
			slog.Bool("redemptionsEnabled", cfg.RedemptionsEnabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// operatorKeySource wires the keystore behind a lazy unwrap. The key is
// created on first boot; afterwards the stored ciphertext is decrypted per
// use and never cached.
func operatorKeySource(cfg *config.Config, passSource *passphrase.Source, logger *slog.Logger) (bridge.KeySource, error) {
	ks, err := crypto.OpenKeystore(cfg.KeystorePath)
	if err != nil {
		return nil, err
	}
	pass, err := passSource.Get()
	if err != nil {
		return nil, err
	}
	name := cfg.OperatorKeyName

	if _, err := ks.LoadKey(name, pass); err != nil {
		if !errors.Is(err, crypto.ErrKeyNotFound) {
			return nil, fmt.Errorf("unlock operator key: %w", err)
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := ks.SaveKey(name, hex.EncodeToString(key.Bytes()), pass); saveErr != nil {
			return nil, saveErr
		}
		logger.Info("generated operator key",
			logging.MaskField("component", "keystore"),
			logging.MaskField("address", key.PubKey().Address().String()))
	}

	return func() (*crypto.PrivateKey, error) {
		plaintext, err := ks.LoadKey(name, pass)
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(strings.TrimSpace(plaintext))
		if err != nil {
			return nil, fmt.Errorf("malformed operator key material")
		}
		return crypto.PrivateKeyFromBytes(raw)
	}, nil
}

func buildBroadcaster(cfg *config.Config, logger *slog.Logger) (htlc.Broadcaster, error) {
	if strings.TrimSpace(cfg.BroadcastURL) != "" {
		return htlc.NewHTTPBroadcaster(cfg.BroadcastURL), nil
	}
	logger.Warn("no BroadcastURL configured; settlement runs in dry-run mode")
	return htlc.NewRecordingBroadcaster(), nil
}

// expireLoop sweeps lapsed quotes so the intent list reflects reality even
// when no client ever settles them.
func expireLoop(ctx context.Context, manager *bridge.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := manager.ExpireQuoted()
			if err != nil {
				logger.Error("expiry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if expired > 0 {
				logger.Info("expired lapsed quotes", slog.Int("count", expired))
			}
		}
	}
}
