package http

import (
	"context"
	"net/http"

	"github.com/EgorSempai/zlover/internal/adapters/signal"
	"github.com/EgorSempai/zlover/internal/app/orch"
	"github.com/EgorSempai/zlover/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type roomView struct {
	ID          string `json:"id"`
	MemberCount int    `json:"memberCount"`
	Capacity    int    `json:"capacity"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// The rate limiter keys on ClientIP, which only reads forwarding
	// headers from these peers.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(o, signal.ConnConfig{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
	})

	r.GET("/healthz", func(c *gin.Context) {
		rooms, participants := o.Membership.Directory().Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"rooms":        rooms,
			"participants": participants,
			"connections":  o.Registry.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(o.Metrics.Handler()))

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		rooms := o.Membership.Directory().Rooms()
		out := make([]roomView, 0, len(rooms))
		for _, room := range rooms {
			out = append(out, roomView{ID: string(room.ID), MemberCount: room.MemberCount(), Capacity: room.Capacity})
		}
		c.JSON(http.StatusOK, out)
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("source", c.ClientIP()).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
