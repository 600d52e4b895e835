package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/nvram"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/web"
	"zstack-go-home/internal/znp"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// startTimeout bounds network startup, formation included.
const startTimeout = 5 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "zstack-home",
		Short:        "Z-Stack coordinator network and backup manager",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML configuration")

	var output string
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Read the adapter's network into a backup document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), cfgPath, output)
		},
	}
	backupCmd.Flags().StringVarP(&output, "output", "o", "", "write the document here instead of stdout")

	root.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Bring the network up and serve the HTTP and MQTT interfaces",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStart(cfgPath)
			},
		},
		backupCmd,
		&cobra.Command{
			Use:   "restore FILE",
			Short: "Write a backup document onto the adapter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRestore(cmd.Context(), cfgPath, args[0])
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Print the stored network state, backup history and known devices",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runInfo(cmd.OutOrStdout(), cfgPath)
			},
		},
	)
	return root
}

// app holds what every device command opens.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	db       *store.BoltStore
	port     *znp.Serial
	coord    *coordinator.Coordinator
	registry *prometheus.Registry
}

func (a *app) Close() {
	if a.port != nil {
		if err := a.port.Close(); err != nil {
			a.logger.Warn("close serial port", "err", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func setup(cfgPath string) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openApp(cfgPath string) (*app, error) {
	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.db, err = store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	network, err := cfg.networkOptions(a.db)
	if err != nil {
		a.Close()
		return nil, err
	}

	var serialOpts []znp.SerialOption
	if cfg.Serial.SkipBootloader {
		serialOpts = append(serialOpts, znp.WithSkipBootloader())
	}
	a.port, err = znp.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud, logger, serialOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open serial port: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.coord = coordinator.New(a.port, a.db, coordinator.NewEventBus(logger), coordinator.Config{
		Network:       network,
		Commissioning: cfg.commissioningConfig(),
		BackupFile:    cfg.Backup.Path,
		Metrics:       nvram.NewMetrics(a.registry),
	}, coordinator.PortConfig{
		Port: cfg.Serial.Port,
		Baud: cfg.Serial.Baud,
	}, logger)
	return a, nil
}

func runStart(cfgPath string) error {
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("zstack-home starting", "version", version)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	result, err := a.coord.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	logger.Info("coordinator started", "startup", string(result))

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(a.registry),
	}
	if a.cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(a.cfg.Web.APIKey))
	}
	if len(a.cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(a.cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(a.coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         a.cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", a.cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(a.coord, a.cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return nil
}

func runBackup(ctx context.Context, cfgPath, output string) error {
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	b, err := a.coord.CreateBackup(ctx)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}

	if output != "" {
		if err := backup.NewFileStorage(output).SaveBackup(b); err != nil {
			return err
		}
		a.logger.Info("backup written", "path", output, "devices", len(b.Devices))
		return nil
	}
	data, err := backup.MarshalDocument(b)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

func runRestore(ctx context.Context, cfgPath, path string) error {
	b, err := backup.NewFileStorage(path).LoadBackup()
	if errors.Is(err, backup.ErrNoBackup) {
		return fmt.Errorf("%s does not exist", path)
	}
	if err != nil {
		return err
	}

	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := a.coord.Restore(ctx, b); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	a.logger.Info("backup restored",
		"pan_id", fmt.Sprintf("0x%04X", b.NetworkOptions.PanID),
		"devices", len(b.Devices),
		"frame_counter", b.FrameCounter)
	return nil
}

// infoReport is what the info command prints.
type infoReport struct {
	Network *store.NetworkState  `json:"network,omitempty"`
	Backups []store.BackupRecord `json:"backups"`
	Devices []*store.Device      `json:"devices"`
}

func runInfo(w io.Writer, cfgPath string) error {
	cfg, _, err := setup(cfgPath)
	if err != nil {
		return err
	}
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return writeInfo(w, db)
}

func writeInfo(w io.Writer, st store.Store) error {
	var report infoReport
	state, err := st.GetNetworkState()
	switch {
	case err == nil:
		report.Network = state
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load network state: %w", err)
	}
	if report.Backups, err = st.ListBackups(); err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if report.Devices, err = st.ListDevices(); err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
