package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	ParseErrors.Inc()
	Actions.WithLabelValues("resize", "ok").Inc()
	Terminals.Set(3)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "gateone_parse_errors_total")
	assert.Contains(t, body, `gateone_actions_total{action="resize",result="ok"}`)
	assert.Contains(t, body, "gateone_terminals 3")
}
