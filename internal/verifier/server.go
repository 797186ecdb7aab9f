package verifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/waddle-labs/settle/channel"
)

const wsWriteTimeout = 10 * time.Second

// Server exposes a Verifier over the websocket channel
type Server struct {
	verifier *Verifier
	logger   *slog.Logger
	token    string

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithToken requires "Authorization: Bearer <token>" on the websocket handshake
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithServerLogger overrides the default logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer wraps v
func NewServer(v *Verifier, opts ...ServerOption) *Server {
	s := &Server{
		verifier: v,
		logger:   slog.Default(),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP routes: /ws, /healthz and /metrics
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", func(c *gin.Context) {
		pebbles, sequence := s.verifier.Balance()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pebbles": pebbles, "sequence": sequence})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWS)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) handleWS(c *gin.Context) {
	if s.token != "" && c.GetHeader("Authorization") != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "server closing")

	s.mu.Lock()
	s.conns[conn] = &sync.Mutex{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := c.Request.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		go s.serve(ctx, conn, env)
	}
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, env channel.Envelope) {
	reply, pushes := s.verifier.Handle(ctx, env)
	if reply != nil {
		if err := s.write(ctx, conn, *reply); err != nil {
			s.logger.Warn("write reply", "type", string(reply.Type), "error", err)
		}
	}
	for _, push := range pushes {
		s.broadcast(ctx, push)
	}
}

func (s *Server) broadcast(ctx context.Context, env channel.Envelope) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		if err := s.write(ctx, conn, env); err != nil {
			s.logger.Debug("push failed", "type", string(env.Type), "error", err)
		}
	}
}

// write serializes frames per connection so replies and pushes keep their order
func (s *Server) write(ctx context.Context, conn *websocket.Conn, env channel.Envelope) error {
	s.mu.Lock()
	lock, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
