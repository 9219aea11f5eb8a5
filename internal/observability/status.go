package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the connectivity snapshot served on /status.
type Status struct {
	Connected    bool     `json:"connected"`
	State        string   `json:"state"`
	SessionID    string   `json:"session_id,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	Topics       []string `json:"topics"`
	Dispatched   uint64   `json:"dispatched"`
	Dropped      uint64   `json:"dropped"`
	DecodeErrors uint64   `json:"decode_errors"`
}

// StatusFunc is called per request and must be safe for concurrent use.
type StatusFunc func(ctx context.Context) Status

type StatusServer struct {
	addr    string
	status  StatusFunc
	router  *gin.Engine
	started time.Time
}

func NewStatusServer(addr string, status StatusFunc) *StatusServer {
	RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{
		addr:    addr,
		status:  status,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.status(c.Request.Context())
		code := http.StatusOK
		if !st.Connected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": st.Connected,
			"state": st.State,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(c.Request.Context()))
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *StatusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *StatusServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("observability.StatusServer.listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}
