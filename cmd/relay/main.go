// cmd/relay is the entrypoint for the relay server: the process that
// terminates peer WebSocket connections, gates them behind a JWT, and
// fans frames out per-room over Redis (spec §4.1/§4.2).
//
// Configuration comes from environment variables (optionally overlaid
// by a roomrelay.yaml file) so the same binary runs unmodified across
// environments — see internal/config.
//
//	SERVER_HOST=0.0.0.0 SERVER_PORT=8080 \
//	REDIS_URL=redis://localhost:6379/0 \
//	JWT_SECRET=change-me ./relay
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/api"
	"roomrelay/internal/auth"
	"roomrelay/internal/config"
	"roomrelay/internal/relay"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	accounts, err := auth.OpenFileStore(cfg.PersistDir + "/accounts.json")
	if err != nil {
		log.Fatal().Err(err).Msg("open accounts store")
	}
	authHandler := auth.NewHandler(accounts, []byte(cfg.JWTSecret), cfg.AuthIssuer)

	hub := relay.New(rdb)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	authHandler.Register(router)

	router.GET("/ws/:room_id", func(c *gin.Context) {
		roomID := c.Param("room_id")
		token := c.Query("token")
		username, err := authHandler.VerifyForAttach(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err := hub.Attach(c.Writer, c.Request, roomID, username); err != nil {
			log.Warn().Err(err).Str("room", roomID).Msg("attach failed")
		}
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down relay")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
}

// redisAddr strips a redis:// scheme down to host:port for go-redis's
// Options.Addr, which doesn't accept a full URL.
func redisAddr(url string) string {
	const prefix = "redis://"
	addr := url
	if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
		addr = addr[len(prefix):]
	}
	if i := lastIndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
