package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chartsync/internal/config"
	"github.com/hyperengineering/chartsync/internal/remote"
	"github.com/hyperengineering/chartsync/internal/store"
	"github.com/hyperengineering/chartsync/internal/syncer"
	"github.com/hyperengineering/chartsync/internal/types"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "chartsync",
	Short:         "ChartSync - encrypted snapshot sync for the clinical notebook",
	Long:          "ChartSync reconciles the local clinical notebook database against a single shared encrypted snapshot on a remote versioned blob host.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Version:       Version,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(serveCmd)
}

// runtime bundles everything a sync command needs: app config, the local
// store, the remote backend, and the orchestrator over both.
type runtime struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	remote remote.Store
	syncer *syncer.Syncer
}

// newRuntime loads configuration, initializes logging, and opens the
// local database and remote backend. Callers must Close it.
func newRuntime() (*runtime, error) {
	cfg, err := loadAppConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	rs, err := newRemoteStore(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		store:  st,
		remote: rs,
		syncer: syncer.New(st, rs),
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
}

// syncerFor returns the orchestrator for the given device config. When
// setup recorded a different HTTP endpoint than the app config carries,
// the device's endpoint wins.
func (r *runtime) syncerFor(sc *types.SyncConfig) *syncer.Syncer {
	if r.cfg.Remote.Backend == config.BackendHTTP &&
		sc != nil && sc.RemoteEndpoint != "" && sc.RemoteEndpoint != r.cfg.Remote.Endpoint {
		return syncer.New(r.store, remote.NewHTTPStore(sc.RemoteEndpoint, r.cfg.Remote.APIKey))
	}
	return r.syncer
}

// loadAppConfig loads configuration and installs the process logger.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	initLogger(cfg.Log)
	return cfg, nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newRemoteStore builds the configured remote backend.
func newRemoteStore(cfg *config.Config) (remote.Store, error) {
	switch cfg.Remote.Backend {
	case config.BackendS3:
		return remote.NewS3Store(remote.S3Config{
			Endpoint:  cfg.Remote.S3.Endpoint,
			Bucket:    cfg.Remote.S3.Bucket,
			AccessKey: cfg.Remote.S3.AccessKey,
			SecretKey: cfg.Remote.S3.SecretKey,
			Region:    cfg.Remote.S3.Region,
			UseSSL:    cfg.Remote.S3.UseSSL,
		})
	default:
		return remote.NewHTTPStore(cfg.Remote.Endpoint, cfg.Remote.APIKey), nil
	}
}
