package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarrystor/quarry/pkg/api"
	"github.com/quarrystor/quarry/pkg/config"
	"github.com/quarrystor/quarry/pkg/engine/localengine"
	"github.com/quarrystor/quarry/pkg/events"
	"github.com/quarrystor/quarry/pkg/log"
	"github.com/quarrystor/quarry/pkg/manager"
	"github.com/quarrystor/quarry/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the quarry storage node",
	Long: `Start the storage node: bring the engine up on the configured
devices, recover persisted volumes and serve the admin API until a
signal or an API shutdown request drains the service.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().StringSlice("device", nil, "Device path, repeatable (tier auto-detected)")
	serverCmd.Flags().String("api-addr", "", "Admin API listen address (overrides config)")
}

// app satisfies the manager's identity-bootstrap contract for a
// standalone node: fresh identifiers are minted locally.
type app struct {
	cfg *config.Config
}

func (a *app) Devices() []types.DeviceSpec { return a.cfg.Devices }
func (a *app) MemoryBytes() uint64         { return a.cfg.MemoryBytes }

func (a *app) DiscoverServiceID(existing *uuid.UUID) (uuid.UUID, error) {
	if existing != nil {
		logger := log.WithComponent("app")
		logger.Info().Str("service_id", existing.String()).Msg("recovered service identity")
		return *existing, nil
	}
	return uuid.New(), nil
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadServerConfig(cmd, configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	logger := log.WithComponent("main")

	broker := events.NewBroker()
	broker.Start()

	// Watch for an API-initiated drain before the manager exists so no
	// event is missed.
	shutdownEvents := broker.Subscribe()

	eng := localengine.New(cfg.DataDir)
	mgr := manager.New(eng, &app{cfg: cfg}, broker, manager.Config{
		GCInterval:            cfg.GCInterval,
		ShutdownCheckInterval: cfg.ShutdownCheckInterval,
		MaxVolumes:            cfg.MaxVolumes,
	})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %v", err)
	}
	logger.Info().Str("service_id", mgr.ServiceID().String()).Msg("node started")

	apiServer := api.NewServer(mgr, api.Config{
		Address:        cfg.API.Address,
		MetricsEnabled: cfg.API.MetricsEnabled,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	running := true
	for running {
		select {
		case <-sigCh:
			logger.Info().Msg("signal received, shutting down")
			running = false
		case err := <-errCh:
			logger.Error().Err(err).Msg("API server failed")
			running = false
		case ev := <-shutdownEvents:
			if ev != nil && ev.Type == events.EventShutdownStarted {
				logger.Info().Msg("drain started over API, waiting for completion")
				running = false
			}
		}
	}
	broker.Unsubscribe(shutdownEvents)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown failed")
	}
	if err := mgr.Stop(stopCtx); err != nil && err != manager.ErrAlreadyStopped {
		return fmt.Errorf("stop manager: %v", err)
	}
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

// loadServerConfig merges CLI flag overrides over the loaded config.
func loadServerConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiAddr, _ := cmd.Flags().GetString("api-addr"); apiAddr != "" {
		cfg.API.Address = apiAddr
	}
	if devices, _ := cmd.Flags().GetStringSlice("device"); len(devices) > 0 {
		cfg.Devices = nil
		for _, path := range devices {
			cfg.Devices = append(cfg.Devices, types.DeviceSpec{
				Path: path,
				Tier: types.TierAutoDetect,
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
