package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsExposed(t *testing.T) {
	before := testutil.ToFloat64(MessagesAppended)
	MessagesAppended.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesAppended))

	CollaboratorFailures.WithLabelValues("push").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "incident_chat_messages_appended_total")
	assert.Contains(t, rec.Body.String(), `incident_chat_collaborator_failures_total{collaborator="push"}`)
}
