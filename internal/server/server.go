package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/turnstile/internal/config"
	devicedomain "github.com/smallbiznis/turnstile/internal/device/domain"
	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	obslogger "github.com/smallbiznis/turnstile/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module serves health, metrics and batch status while an ingest run is in
// flight. It only listens when METRICS_ADDR is set.
var Module = fx.Module("ops.server",
	fx.Provide(NewServer),
	fx.Invoke(run),
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type ServerParams struct {
	fx.In

	Cfg       config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Batches   ingestdomain.BatchRepository
	Devices   devicedomain.Repository
	Intervals intervaldomain.Repository
	Gatherer  prometheus.Gatherer `optional:"true"`
}

type Server struct {
	engine    *gin.Engine
	db        *gorm.DB
	log       *zap.Logger
	batches   ingestdomain.BatchRepository
	devices   devicedomain.Repository
	intervals intervaldomain.Repository
	gatherer  prometheus.Gatherer
	addr      string
}

func NewServer(p ServerParams) *Server {
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		db:        p.DB,
		log:       p.Log.Named("ops.server"),
		batches:   p.Batches,
		devices:   p.Devices,
		intervals: p.Intervals,
		gatherer:  gatherer,
		addr:      strings.TrimSpace(p.Cfg.Ingest.MetricsAddr),
	}
	s.engine = NewEngine(p.Log)
	s.RegisterRoutes()
	return s
}

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	return r
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/batches/:id", s.GetBatch)
	s.engine.GET("/runs/:run_id/batches", s.ListRunBatches)
}

// Health pings the database and reports how many devices are known.
func (s *Server) Health(c *gin.Context) {
	ctx := c.Request.Context()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	var devices int64
	if err == nil {
		devices, err = s.devices.Count(ctx, s.db)
	}
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "devices": devices})
}

func (s *Server) GetBatch(c *gin.Context) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	batch, err := s.batches.FindByID(c.Request.Context(), s.db, snowflake.ID(id))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if batch == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	stored, err := s.intervals.CountByBatch(c.Request.Context(), s.db, batch.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batch, "stored_intervals": stored})
}

func (s *Server) ListRunBatches(c *gin.Context) {
	runID := strings.TrimSpace(c.Param("run_id"))
	if runID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	batches, err := s.batches.ListByRun(c.Request.Context(), s.db, runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inFlight := 0
	for _, b := range batches {
		if !b.Status.Terminal() {
			inFlight++
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": batches, "in_flight": inFlight})
}

func AbortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	errType := ErrInternal.Error()
	message := "internal error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, errType, message = http.StatusNotFound, ErrNotFound.Error(), "not found"
	case errors.Is(err, ErrInvalidRequest):
		status, errType, message = http.StatusBadRequest, ErrInvalidRequest.Error(), "invalid request"
	default:
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: errorPayload{Type: errType, Message: message}})
}

func run(lc fx.Lifecycle, s *Server) {
	if s.addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("ops server stopped", zap.Error(err))
				}
			}()
			s.log.Info("ops server listening", zap.String("addr", s.addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
