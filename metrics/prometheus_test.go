package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestPrometheusCollector(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := NewPrometheus("test")
	require.NoError(t, p.Register(reg))

	p.RecordCommand("LIST", true, time.Millisecond)
	p.RecordCommand("LIST", false, time.Millisecond)
	p.RecordTransfer("RETR", 42, time.Second)
	p.RecordConnection(true, "accepted")
	p.RecordConnection(false, "global_limit_reached")
	p.RecordAuthentication(true, "alice")
	p.RecordDataConnection("passive", "established")
	p.RecordDataConnection("passive", "established")
	p.RecordDataConnection("active", "timeout")

	assert.Equal(t, 1.0, counterValue(t, p.Commands.WithLabelValues("LIST", "true")))
	assert.Equal(t, 1.0, counterValue(t, p.Commands.WithLabelValues("LIST", "false")))
	assert.Equal(t, 42.0, counterValue(t, p.TransferBytes.WithLabelValues("RETR")))
	assert.Equal(t, 1.0, counterValue(t, p.Connections.WithLabelValues("global_limit_reached")))
	assert.Equal(t, 1.0, counterValue(t, p.Logins.WithLabelValues("true")))
	assert.Equal(t, 2.0, counterValue(t, p.DataConnections.WithLabelValues("passive", "established")))
	assert.Equal(t, 1.0, counterValue(t, p.DataConnections.WithLabelValues("active", "timeout")))

	// Registering twice fails.
	assert.Error(t, p.Register(reg))
}

func TestHandler(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := NewPrometheus("ftpd")
	require.NoError(t, p.Register(reg))
	p.RecordConnection(true, "accepted")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ftpd_ftp_connections_total{reason="accepted"} 1`))
}
