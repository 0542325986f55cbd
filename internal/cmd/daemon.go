package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/swarmnet/internal/config"
	"github.com/rudransh-shrivastava/swarmnet/internal/logger"
	"github.com/rudransh-shrivastava/swarmnet/internal/signaling"
	"github.com/rudransh-shrivastava/swarmnet/internal/swarm"
)

var configPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "runs the swarmnet daemon",
	Long:  `connects to the rendezvous server, joins the configured room and keeps the node's presence alive until interrupted`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			cmd.PrintErrln(err)
			os.Exit(1)
		}

		log := logger.New()
		if cfg.Debug {
			log = logger.NewDebug()
		}
		if err != nil {
			log.Warn("config file not found, using defaults", "path", configPath)
		}

		peerID := cfg.PeerID
		if peerID == "" {
			peerID = "peer_" + uuid.NewString()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		controller := swarm.NewController(swarm.Config{
			CircuitRoom:          cfg.CircuitRoom,
			RelayURL:             cfg.RelayURL,
			ListenAddr:           cfg.ListenAddr,
			STUNServers:          cfg.STUNServers,
			MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
			ReconnectDelay:       cfg.Reconnect.Delay.Std(),
			Logger:               log,
		})

		if err := controller.Connect(ctx, cfg.SignalingURL, peerID); err != nil {
			log.Error("failed to connect", "err", err)
			os.Exit(1)
		}
		defer controller.Disconnect()

		if err := controller.JoinRoom(ctx, cfg.Room, signaling.DefaultCapabilities()); err != nil {
			log.Error("failed to join room", "room", cfg.Room, "err", err)
			os.Exit(1)
		}
		log.Info("joined room", "room", cfg.Room, "peer_id", peerID)

		ticker := time.NewTicker(cfg.LivenessInterval.Std())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				peers, err := controller.DiscoverPeers(ctx, cfg.Room)
				if err != nil {
					log.Warn("liveness discovery failed", "err", err)
					continue
				}
				log.Debug("liveness discovery", "peers", len(peers))
			case <-ctx.Done():
				log.Info("shutting down")
				leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := controller.LeaveRoom(leaveCtx, cfg.Room); err != nil {
					log.Warn("failed to leave room", "err", err)
				}
				cancel()
				return
			}
		}
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&configPath, "config", "c", "swarmd.yaml", "path to the daemon config file")
}
