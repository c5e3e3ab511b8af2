// Package metrics exports server metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonzalop/ftpd/server"
)

// Prometheus implements server.MetricsCollector.
type Prometheus struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	TransferBytes   *prometheus.CounterVec
	Transfers       *prometheus.HistogramVec
	Connections     *prometheus.CounterVec
	DataConnections *prometheus.CounterVec
	Logins          *prometheus.CounterVec
}

var _ server.MetricsCollector = (*Prometheus)(nil)

// NewPrometheus creates the collectors under namespace. Call Register to
// expose them.
func NewPrometheus(namespace string) *Prometheus {
	return &Prometheus{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "commands_total",
			Help:      "FTP commands dispatched, by verb and outcome.",
		}, []string{"command", "success"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "command_duration_seconds",
			Help:      "Time spent dispatching a command.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"command"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes sent over data connections.",
		}, []string{"operation"}),
		Transfers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "transfer_duration_seconds",
			Help:      "Time from queueing a transfer to sending 226.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "connections_total",
			Help:      "Control connections, by acceptance reason.",
		}, []string{"reason"}),
		DataConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "data_connections_total",
			Help:      "Data connection setups, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftp",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"success"}),
	}
}

// Collectors returns all prometheus metrics as collectors for registration.
func (p *Prometheus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.Commands,
		p.CommandDuration,
		p.TransferBytes,
		p.Transfers,
		p.Connections,
		p.DataConnections,
		p.Logins,
	}
}

// Register adds every collector to reg.
func (p *Prometheus) Register(reg prometheus.Registerer) error {
	for _, c := range p.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand implements server.MetricsCollector.
func (p *Prometheus) RecordCommand(cmd string, success bool, duration time.Duration) {
	p.Commands.WithLabelValues(cmd, strconv.FormatBool(success)).Inc()
	p.CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordTransfer implements server.MetricsCollector.
func (p *Prometheus) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	p.TransferBytes.WithLabelValues(operation).Add(float64(bytes))
	p.Transfers.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConnection implements server.MetricsCollector.
func (p *Prometheus) RecordConnection(_ bool, reason string) {
	p.Connections.WithLabelValues(reason).Inc()
}

// RecordDataConnection implements server.MetricsCollector.
func (p *Prometheus) RecordDataConnection(mode string, outcome string) {
	p.DataConnections.WithLabelValues(mode, outcome).Inc()
}

// RecordAuthentication implements server.MetricsCollector. The username is
// not used as a label to keep cardinality bounded.
func (p *Prometheus) RecordAuthentication(success bool, _ string) {
	p.Logins.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
