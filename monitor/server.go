package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilemux/cnc"
	"tilemux/wksp"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a workspace over HTTP:
//
//	GET /metrics  Prometheus exposition
//	GET /diag     JSON snapshot
//	GET /healthz  503 when any cnc reports FAIL
type Server struct {
	w      *wksp.Wksp
	log    *zap.Logger
	router *gin.Engine
}

// NewServer builds the routes over w. A nil logger logs nothing.
func NewServer(w *wksp.Wksp, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(w))

	s := &Server{w: w, log: log.Named("monitor"), router: gin.New()}
	s.router.Use(gin.Recovery())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	s.router.GET("/diag", s.diag)
	s.router.GET("/healthz", s.healthz)
	return s
}

// Handler is the route table, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("serving", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) diag(c *gin.Context) {
	b, err := Take(s.w).JSON()
	if err != nil {
		s.log.Warn("snapshot encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", b)
}

func (s *Server) healthz(c *gin.Context) {
	snap := Take(s.w)
	var failed []string
	for _, x := range snap.CNCs {
		if cnc.Signal(x.Code) == cnc.SignalFail {
			failed = append(failed, x.Name)
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "fail", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cncs": len(snap.CNCs)})
}
