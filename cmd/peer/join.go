package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EgorSempai/zlover/internal/adapters/wsclient"
	"github.com/EgorSempai/zlover/internal/config"
	"github.com/EgorSempai/zlover/internal/health"
	"github.com/EgorSempai/zlover/internal/negotiation"
	"github.com/EgorSempai/zlover/internal/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagRoom string
	flagName string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay connected until interrupted",
	Long: `Join a room and negotiate a link with every room-mate.

While joined, commands are read from stdin:
  members                      list the other participants
  kick <nickname|id> [reason]  remove a member (host only)
  renegotiate                  send a fresh offer on every link

Examples:
  zlover-peer join --room team-sync --name alice
  zlover-peer join --server ws://10.0.0.5:8080/api/ws/signal --room r1 --name bob`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" || flagName == "" {
			return fmt.Errorf("--room and --name are required")
		}
		return join(cmd.Context())
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room id")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "nickname")
}

func join(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	url := cfg.Peer.ServerURL
	if flagServer != "" {
		url = flagServer
	}

	conn, err := wsclient.Dial(ctx, url, wsclient.Config{
		ReadLimit: cfg.ReadLimit,
		PongWait:  cfg.PongWait,
		WriteWait: cfg.WriteWait,
	})
	if err != nil {
		return err
	}
	log.Info().Str("module", "peer").Str("server", url).Msg("connected to signaling server")

	s := peer.NewSession(conn, peer.RTCTransports, peer.Config{
		Room:     flagRoom,
		Nickname: flagName,
		Negotiation: negotiation.Config{
			GracePeriod:    cfg.Peer.GracePeriod,
			RestartTimeout: cfg.Peer.RestartTimeout,
		},
		Health: health.Config{
			StatsInterval: cfg.Peer.StatsInterval,
			PingInterval:  cfg.Peer.PingInterval,
			PongTimeout:   cfg.Peer.PongTimeout,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Run(gctx)
		cancel()
		return err
	})
	g.Go(func() error { return peer.NewConsole(s, os.Stdout).Run(gctx, os.Stdin) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
