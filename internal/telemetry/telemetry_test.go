package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFromAppConfig(t *testing.T) {
	tests := []struct {
		name       string
		in         config.OTELConfig
		endpoint   string
		prefix     string
		insecure   bool
		authorized bool
	}{
		{
			name:     "plain collector",
			in:       config.OTELConfig{Endpoint: "http://localhost:4318"},
			endpoint: "localhost:4318",
			insecure: true,
		},
		{
			name:       "grafana cloud",
			in:         config.OTELConfig{Endpoint: "otlp-gateway.grafana.net", InstanceID: "123", Token: "secret"},
			endpoint:   "otlp-gateway.grafana.net",
			prefix:     "/otlp",
			authorized: true,
		},
		{
			name:     "explicit path",
			in:       config.OTELConfig{Endpoint: "https://collector.internal/ingest/"},
			endpoint: "collector.internal",
			prefix:   "/ingest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromAppConfig(tt.in)
			assert.Equal(t, tt.endpoint, got.OTLPEndpoint)
			assert.Equal(t, tt.prefix, got.URLPathPrefix)
			assert.Equal(t, tt.insecure, got.Insecure)
			_, ok := got.OTLPHeaders["Authorization"]
			assert.Equal(t, tt.authorized, ok)
		})
	}

	got := FromAppConfig(config.OTELConfig{Endpoint: "x", InstanceID: "123", Token: "secret"})
	assert.Equal(t, "Basic MTIzOnNlY3JldA==", got.OTLPHeaders["Authorization"])
}

func TestInitializeDisabled(t *testing.T) {
	p, err := Initialize(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestFiberMiddlewareRecordsAttachmentAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	app := fiber.New()
	app.Use(FiberMiddleware())
	app.Get("/owners/:class/:id/attachments/:name", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/owners/Photo/9/attachments/avatar", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "Photo", attrs["attachment.owner_class"])
	assert.Equal(t, "9", attrs["attachment.owner_id"])
	assert.Equal(t, "avatar", attrs["attachment.name"])
	assert.Equal(t, "/owners/:class/:id/attachments/:name", attrs["http.route"])
}
