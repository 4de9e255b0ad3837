package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seedr-bot/internal/metrics"
)

const secret = "s3cret"

type recordingProcessor struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
	err     error
}

func (p *recordingProcessor) ProcessUpdate(_ context.Context, update tgbotapi.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(p UpdateProcessor) (*gin.Engine, *metrics.Registry) {
	reg := metrics.New(prometheus.NewRegistry())
	return NewRouter(p, secret, zap.NewNop(), reg), reg
}

func postWebhook(r http.Handler, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(SecretHeader, token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const validUpdate = `{"update_id":7,"message":{"message_id":1,"from":{"id":42,"first_name":"Alice"},"chat":{"id":42,"type":"private"},"date":0,"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`

func TestWebhookRejectsBadSecret(t *testing.T) {
	p := &recordingProcessor{}
	r, reg := newRouter(p)

	for _, token := range []string{"", "wrong", secret + "x"} {
		rec := postWebhook(r, validUpdate, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, token)
	}
	assert.Zero(t, p.count())
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.WebhookRequestsTotal.WithLabelValues("401")))
}

func TestWebhookMalformedBody(t *testing.T) {
	bodies := map[string]string{
		"truncated":      `{"update_id":`,
		"trailing text":  `{"update_id":7} not json`,
		"two envelopes":  `{"update_id":7}{"update_id":8}`,
		"null":           `null`,
		"empty":          ``,
		"empty envelope": `{}`,
		"array":          `[]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			p := &recordingProcessor{}
			r, _ := newRouter(p)

			rec := postWebhook(r, body, secret)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Zero(t, p.count())
		})
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	p := &recordingProcessor{}
	r, _ := newRouter(p)

	body := `{"update_id":7,"message":{"text":"` + strings.Repeat("a", maxUpdateBytes) + `"}}`
	rec := postWebhook(r, body, secret)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, p.count())
}

func TestWebhookAcceptsUpdate(t *testing.T) {
	p := &recordingProcessor{}
	r, _ := newRouter(p)

	rec := postWebhook(r, validUpdate, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, p.count())
	update := p.updates[0]
	assert.Equal(t, 7, update.UpdateID)
	require.NotNil(t, update.Message)
	assert.True(t, update.Message.IsCommand())
	assert.Equal(t, "start", update.Message.Command())
}

func TestWebhookProcessorNotRunning(t *testing.T) {
	p := &recordingProcessor{err: errors.New("not running")}
	r, _ := newRouter(p)

	rec := postWebhook(r, validUpdate, secret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	r, _ := newRouter(&recordingProcessor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["message"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
}

func TestPingAndHome(t *testing.T) {
	r, _ := newRouter(&recordingProcessor{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Status: Active")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newRouter(&recordingProcessor{})
	postWebhook(r, validUpdate, secret)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `seedrbot_webhook_requests_total{status="200"} 1`)
}
