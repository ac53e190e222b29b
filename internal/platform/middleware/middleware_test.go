package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clients", nil))

	require.NotEmpty(t, got)
	_, err := uuid.Parse(got)
	assert.NoError(t, err, "generated request ID should be a UUID")
	assert.Equal(t, got, w.Header().Get("X-Request-ID"))
}

func TestRequestIDKeepsValidClientValue(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("X-Request-ID", "trace-41.a_b")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "trace-41.a_b", got)
}

func TestRequestIDRejectsHostileValues(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"newline injection", "abc\ndef"},
		{"space", "abc def"},
		{"over length", strings.Repeat("a", maxRequestIDLength+1)},
		{"control characters", "abc\x00def"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/clients", nil)
			req.Header.Set("X-Request-ID", tc.value)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.NotEqual(t, tc.value, got)
			_, err := uuid.Parse(got)
			assert.NoError(t, err, "hostile value should be replaced with a UUID")
		})
	}
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	handler := Recovery(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clients", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestRecoveryLeavesHealthyRequestsAlone(t *testing.T) {
	handler := Recovery(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clients", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTimeoutCancelsSlowHandlers(t *testing.T) {
	cancelled := make(chan struct{})
	handler := Timeout(20*time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(time.Second):
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clients", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled at the deadline")
	}
}

func TestContentTypeJSON(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ContentTypeJSON(next)

	t.Run("accepts application/json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/clients", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects other media types", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/clients", strings.NewReader("name=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("lets bodyless requests through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/clients", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGetRequestIDOnBareContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}
