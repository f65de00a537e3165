package luna

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the read-only status server: health, key pool availability,
// and per-user statistics. It carries no authentication; bind it to
// loopback.
type API struct {
	config *APIConfig
	logger *slog.Logger
	engine *gin.Engine
	server *http.Server
	bot    *Luna
}

func newAPI(bot *Luna, config *APIConfig) *API {
	a := &API{
		config: config,
		bot:    bot,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey,
			"api",
		),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(config.CORS.GINConfig()))

	engine.GET("/health", a.getHealth)
	engine.GET("/api/keys", a.getKeys)
	engine.GET("/api/users/:id/stats", a.getUserStats)

	a.engine = engine
	a.server = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return a
}

// Serve listens until ctx is canceled, then shuts the server down.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.Info("api listening", "address", a.config.Listen)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(listener)
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if err = a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error shutting down api server", tint.Err(err))
		}
		return nil
	}
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"version":           Version,
			"discord_connected": a.bot.discord.connected.Load(),
			"users":             a.bot.store.UserCount(),
			"started_at":        a.bot.startedAt,
		},
	)
}

func (a *API) getKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": a.bot.pool.Snapshot()})
}

func (a *API) getUserStats(c *gin.Context) {
	stats, err := a.bot.store.Statistics(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNoConversationData) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no data"})
			return
		}
		a.logger.Error("error getting user stats", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
