package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"seedr-bot/internal/metrics"
)

// maxUpdateBytes caps a webhook body; Telegram updates are far smaller.
const maxUpdateBytes = 1 << 20

var errEmptyUpdate = errors.New("update envelope has no update_id")

// SecretHeader carries the secret Telegram echoes back on every webhook call.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateProcessor consumes decoded updates.
type UpdateProcessor interface {
	ProcessUpdate(ctx context.Context, update tgbotapi.Update) error
}

type handler struct {
	processor UpdateProcessor
	secret    string
	log       *zap.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewRouter builds the HTTP surface: status pages and the webhook.
func NewRouter(processor UpdateProcessor, secret string, log *zap.Logger, reg *metrics.Registry) *gin.Engine {
	h := &handler{
		processor: processor,
		secret:    secret,
		log:       log,
		metrics:   reg,
		now:       time.Now,
	}

	r := gin.New()
	r.Use(requestLogger(log), gin.Recovery())

	r.GET("/", h.home)
	r.HEAD("/", h.home)
	r.GET("/health", h.health)
	r.GET("/ping", h.ping)
	r.POST("/webhook", h.webhook)
	if reg != nil {
		r.GET("/metrics", gin.WrapH(reg.Handler()))
	}
	return r
}

func (h *handler) webhook(c *gin.Context) {
	status := h.serveWebhook(c)
	h.metrics.ObserveWebhook(status)
	c.Status(status)
}

func (h *handler) serveWebhook(c *gin.Context) int {
	got := c.GetHeader(SecretHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.log.Warn("invalid secret token in webhook request", zap.String("ip", c.ClientIP()))
		return http.StatusUnauthorized
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxUpdateBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
			return http.StatusRequestEntityTooLarge
		}
		h.log.Error("read webhook body", zap.Error(err))
		return http.StatusInternalServerError
	}

	update, err := decodeUpdate(body)
	if err != nil {
		h.log.Error("decode webhook update", zap.Error(err))
		return http.StatusInternalServerError
	}

	if err := h.processor.ProcessUpdate(c.Request.Context(), update); err != nil {
		h.log.Error("process webhook update", zap.Int("update_id", update.UpdateID), zap.Error(err))
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// decodeUpdate parses exactly one update envelope; trailing data, null and
// envelopes without an update_id are rejected.
func decodeUpdate(body []byte) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return update, err
	}
	if update.UpdateID <= 0 {
		return update, errEmptyUpdate
	}
	return update, nil
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.now().Format(time.RFC3339),
		"message":   "Bot is awake and running",
	})
}

func (h *handler) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *handler) home(c *gin.Context) {
	page := fmt.Sprintf(`<html>
    <head><title>Telegram Bot Status</title></head>
    <body>
        <h1>🤖 Telegram Bot Status</h1>
        <p>Status: Active</p>
        <p>Server Time: %s</p>
    </body>
</html>`, h.now().UTC().Format("2006-01-02 15:04:05 UTC"))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// requestLogger logs one line per request; webhook bodies are never logged.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Server wraps the HTTP listener.
type Server struct {
	http *http.Server
}

func New(addr string, h http.Handler) *Server {
	return &Server{http: &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
