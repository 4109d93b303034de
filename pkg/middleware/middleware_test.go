package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jockeBjers/isolApi/pkg/logger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

// ---------------------------------------------------------------------------
// RequestLogging / RequestLogger
// ---------------------------------------------------------------------------

func TestRequestLogging_GeneratesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	h := RequestLogging(logger.NewWithWriter("auth", "info", &buf))(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			seen = logger.CorrelationIDFromContext(r.Context())
			w.WriteHeader(http.StatusCreated)
		}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get(CorrelationIDHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(http.StatusCreated), line["status"])
	assert.Equal(t, seen, line["correlation_id"])
}

func TestRequestLogging_ReusesInboundCorrelationID(t *testing.T) {
	h := RequestLogging(discardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "corr-abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "corr-abc", rr.Header().Get(CorrelationIDHeader))
}

func TestRequestLogger_EnrichesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(logger.NewWithWriter("auth", "info", &buf))(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Info("inside handler")
		}))

	ctx := logger.WithCorrelationID(context.Background(), "corr-123")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "corr-123", line["correlation_id"])
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func TestRecovery_ReturnsInternalError(t *testing.T) {
	h := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rr).Error.Code)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestHTTPMetrics_UsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg, "auth")

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/"+id, nil))
	}

	got := counterValue(t, reg, "http_requests_total", map[string]string{
		"service": "auth", "method": "GET", "path": "/users/{id}", "status": "404",
	})
	assert.Equal(t, 2.0, got)
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

func TestTracing_RecordsServerSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := chi.NewRouter()
	r.Use(Tracing("auth"))
	r.Get("/boom/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom/7", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /boom/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func staticValidator(claims *Claims, err error) TokenValidator {
	return func(_ context.Context, token string) (*Claims, error) {
		if token != "good-token" {
			return nil, errors.New("bad token")
		}
		return claims, err
	}
}

func TestAuth_MissingHeader(t *testing.T) {
	h := Auth(staticValidator(&Claims{}, nil))(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rr).Error.Code)
}

func TestAuth_WrongScheme(t *testing.T) {
	h := Auth(staticValidator(&Claims{}, nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic good-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	h := Auth(staticValidator(&Claims{}, nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_ValidTokenStoresClaims(t *testing.T) {
	want := &Claims{UserID: "42", Email: "alice@example.com", Role: "manager", OrganizationID: "org-1"}

	var got *Claims
	h := Auth(staticValidator(want, nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
		assert.Equal(t, "42", UserIDFromContext(r.Context()))
		assert.Equal(t, "manager", RoleFromContext(r.Context()))
		assert.Equal(t, "org-1", logger.OrganizationIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer good-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, want, got)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		role   string
		status int
	}{
		{"admin", http.StatusOK},
		{"manager", http.StatusOK},
		{"user", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			h := Auth(staticValidator(&Claims{UserID: "1", Role: tt.role}, nil))(
				RequireRole("admin", "manager")(okHandler()))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer good-token")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// RateLimit
// ---------------------------------------------------------------------------

type stubLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	keys       []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.retryAfter, s.err
}

func TestRateLimit_Allows(t *testing.T) {
	lim := &stubLimiter{allowed: true}
	h := RateLimit(lim, "login", nil, discardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"login:10.0.0.1"}, lim.keys)
}

func TestRateLimit_Rejects(t *testing.T) {
	lim := &stubLimiter{allowed: false, retryAfter: 1500 * time.Millisecond}
	h := RateLimit(lim, "login", nil, discardLogger())(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rr).Error.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	lim := &stubLimiter{err: errors.New("redis down")}
	h := RateLimit(lim, "login", nil, discardLogger())(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
}

// countingLimiter admits the first limit requests per key.
type countingLimiter struct {
	limit int
	seen  map[string]int
}

func (c *countingLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	c.seen[key]++
	return c.seen[key] <= c.limit, time.Minute, nil
}

func TestRateLimit_ForgedForwardingHeadersShareOneBucket(t *testing.T) {
	lim := &countingLimiter{limit: 1, seen: map[string]int{}}
	h := RateLimit(lim, "login", nil, discardLogger())(okHandler())

	passed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			passed++
		}
	}

	assert.Equal(t, 1, passed)
	assert.Equal(t, map[string]int{"login:203.0.113.9": 20}, lim.seen)
}

func TestRateLimit_TrustedProxyForwardsClient(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	lim := &stubLimiter{allowed: true}
	h := RateLimit(lim, "login", proxies, discardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.2:1"
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 203.0.113.5")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"login:203.0.113.5"}, lim.keys)
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		proxies TrustedProxies
		xff     string
		xri     string
		remote  string
		want    string
	}{
		{"untrusted peer ignores forwarded", nil, "203.0.113.5", "", "198.51.100.1:1", "198.51.100.1"},
		{"untrusted peer ignores real ip", nil, "", "203.0.113.5", "198.51.100.1:1", "198.51.100.1"},
		{"peer not in list ignores headers", proxies, "203.0.113.5", "203.0.113.6", "198.51.100.1:1", "198.51.100.1"},
		{"trusted peer single hop", proxies, "203.0.113.5", "", "10.0.0.2:1", "203.0.113.5"},
		{"rightmost untrusted hop wins", proxies, "1.1.1.1, 203.0.113.5, 10.0.0.3", "", "10.0.0.2:1", "203.0.113.5"},
		{"bare ip proxy", proxies, "203.0.113.5", "", "192.0.2.10:1", "203.0.113.5"},
		{"trusted peer real ip", proxies, "", "198.51.100.7", "10.0.0.2:1", "198.51.100.7"},
		{"garbage forwarded falls back to peer", proxies, "not-an-ip", "", "10.0.0.2:1", "10.0.0.2"},
		{"all hops trusted falls back to peer", proxies, "10.0.0.4, 10.0.0.3", "", "10.0.0.2:1", "10.0.0.2"},
		{"remote addr", nil, "", "", "192.0.2.1:4444", "192.0.2.1"},
		{"remote without port", nil, "", "", "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, tt.proxies.ClientIP(req))
		})
	}
}

func TestClientIP_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "198.51.100.1", ClientIP(req))
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{" 10.0.0.0/8 ", "", "::ffff:192.0.2.1", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, proxies, 3)
	assert.True(t, proxies.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, proxies.Contains(netip.MustParseAddr("192.0.2.1")))
	assert.True(t, proxies.Contains(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, proxies.Contains(netip.MustParseAddr("192.0.2.2")))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer ")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc.def")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)
}
