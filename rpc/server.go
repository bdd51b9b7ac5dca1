package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var ginMode sync.Once

// Server is a JSON-RPC 2.0 HTTP server.
type Server struct {
	handler   *Handler
	addr      string
	authToken string // empty: no auth required
	log       *zap.Logger
	engine    *gin.Engine
	srv       *http.Server
}

// NewServer creates a Server on addr. If authToken is non-empty, every RPC
// call must carry a matching "Authorization: Bearer <token>" header. A
// non-nil reg is exposed on GET /metrics.
func NewServer(addr string, handler *Handler, authToken string, reg prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	s := &Server{handler: handler, addr: addr, authToken: authToken, log: log.Named("rpc")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.POST("/rpc", s.auth(), s.serveRPC)
	r.POST("/", s.auth(), s.serveRPC)
	r.GET("/status", s.serveStatus)
	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	s.engine = r

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the port synchronously, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to 5 seconds for
// in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken != "" && c.GetHeader("Authorization") != "Bearer "+s.authToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errResponse(nil, CodeUnauthorized, "unauthorized"))
			return
		}
		c.Next()
	}
}

func (s *Server) serveRPC(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req Request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusOK, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	if bad := req.check(); bad != nil {
		c.JSON(http.StatusOK, bad)
		return
	}
	c.JSON(http.StatusOK, s.handler.Dispatch(c.Request.Context(), req))
}

func (s *Server) serveStatus(c *gin.Context) {
	st, err := s.handler.backend.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	code := http.StatusOK
	if !st.Live {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}
