package web

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

func TestHTTPErrorLogAdapter_Write_DoesNotError(t *testing.T) {
	adapter := HTTPErrorLogAdapter{}
	msg := []byte("some server warning")
	n, err := adapter.Write(msg)
	assert.NoError(t, err)
	assert.Equal(t, len(msg), n)

	// suppressed TLS noise
	n, err = adapter.Write([]byte("http: TLS handshake error from 127.0.0.1: EOF"))
	assert.NoError(t, err)
	assert.Positive(t, n)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(LoggerMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestLoggerMiddlewareKeepsStatus(t *testing.T) {
	h := LoggerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusTeapot, "short and stout")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{actionErr(KindPolicyDenied, "no"), KindPolicyDenied},
		{fmt.Errorf("get: %w", registry.ErrNotFound), KindNotFound},
		{sharing.ErrNotFound, KindNotFound},
		{multiplex.ErrClosed, KindNotFound},
		{sharing.ErrBadPassword, KindPermissionDenied},
		{registry.ErrNotOwner, KindPermissionDenied},
		{fmt.Errorf("spawn: %w", registry.ErrSpawnFailed), KindSpawnFailed},
		{sharing.ErrShareIDInUse, KindShareIDInUse},
		{fmt.Errorf("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, classify(tt.err).Kind, "%v", tt.err)
	}
	assert.Equal(t, "Success", result(nil))
	assert.Equal(t, KindPermissionDenied, result(sharing.ErrPermissionDenied))
}
