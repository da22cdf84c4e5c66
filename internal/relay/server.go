// Package relay implements the signaling relay and the room-membership
// service: a websocket hub that fans signaling messages out between the
// two participants of a room, and a small authenticated REST API for
// creating and joining rooms.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Server bundles the hub, the room store and the HTTP routes.
type Server struct {
	cfg      config.RelayConfig
	store    Store
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      util.Logger
}

// NewServer builds the relay over store.
func NewServer(cfg config.RelayConfig, store Store) *Server {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 24 * time.Hour
	}
	s := &Server{
		cfg:   cfg,
		store: store,
		hub:   NewHub(store, cfg.RateLimit, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked by originFilter.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: util.Scoped("relay"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), originFilter(s.cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", login(s.cfg.JWTSecret))
		api.POST("/rooms/create", jwtAuth(s.cfg.JWTSecret), s.createRoom)
		api.POST("/rooms/join", s.joinRoom)
		api.GET("/rooms/:roomId", s.getRoom)
		api.DELETE("/rooms/:roomId", jwtAuth(s.cfg.JWTSecret), s.deleteRoom)
	}

	router.GET("/ws", s.serveWS)
	return router
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warningf("websocket upgrade: %v", err)
		return
	}
	s.hub.Attach(conn)
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infof("listening on %s", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.hub.Close()
		return err
	})
	return g.Wait()
}
