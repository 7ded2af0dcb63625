// Package httpapi exposes submission, status queries and the push endpoint
// over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/phillus33/notification-status-worker/pkg/notify"
	"github.com/sirupsen/logrus"
)

const correlationHeader = "x-correlation-id"

type correlationKey struct{}

// Submitter enqueues one message.
type Submitter interface {
	Submit(ctx context.Context, messageID, content string) (notify.Receipt, error)
}

// StatusQuery is the read side used by the status endpoints.
type StatusQuery interface {
	Status(ctx context.Context, messageID string) (notification.StatusReport, error)
	AllStatus(ctx context.Context) (notification.StatusSummary, error)
	Notifications(ctx context.Context) (notification.RecordList, error)
}

type Config struct {
	Submitter      Submitter
	Query          StatusQuery
	Push           http.Handler
	Ready          func() bool
	AllowedOrigins []string
	Now            func() time.Time
	Logger         logrus.FieldLogger
}

// NewRouter builds the gin engine with every route and middleware installed.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	h := &handlers{
		submitter: cfg.Submitter,
		query:     cfg.Query,
		now:       cfg.Now,
		logger:    cfg.Logger.WithField("module", "httpapi"),
	}

	r := gin.New()
	r.Use(correlationID())
	r.Use(requestLogger(h.logger))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) {
		if !cfg.Ready() {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api := r.Group("/api")
	api.POST("/notificar", h.submit)
	api.GET("/status/:mensagemId", h.status)
	api.GET("/status", h.allStatus)
	api.GET("/notifications", h.notifications)

	if cfg.Push != nil {
		r.GET("/ws", gin.WrapH(cfg.Push))
	}

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "route not found")
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) > 0 {
		c.AllowOrigins = origins
	} else {
		c.AllowAllOrigins = true
	}
	c.AddAllowMethods("GET", "POST", "OPTIONS")
	c.AddAllowHeaders("Origin", "Content-Type", correlationHeader)
	c.AddExposeHeaders("Content-Length", correlationHeader)
	return c
}

// correlationID reuses the caller's id or generates one, and echoes it back.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(correlationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), correlationKey{}, cid))
		c.Header(correlationHeader, cid)
		c.Next()
	}
}

// CorrelationID returns the request id stored by the middleware, if any.
func CorrelationID(ctx context.Context) string {
	cid, _ := ctx.Value(correlationKey{}).(string)
	return cid
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":        c.Request.Method,
			"path":          c.FullPath(),
			"status":        c.Writer.Status(),
			"latency":       time.Since(start).String(),
			"correlationId": CorrelationID(c.Request.Context()),
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Debug("request handled")
	}
}
