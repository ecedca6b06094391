package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	ConnectionsRejected.Reset()

	ConnectionsTotal.WithLabelValues("smtp").Inc()
	ConnectionsTotal.WithLabelValues("smtp").Inc()
	ConnectionsCurrent.WithLabelValues("imap").Set(3)
	ConnectionsRejected.WithLabelValues("pop3", "capacity").Inc()

	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("smtp")); got != 2 {
		t.Errorf("connections total: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("imap")); got != 3 {
		t.Errorf("connections current: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(ConnectionsRejected.WithLabelValues("pop3", "capacity")); got != 1 {
		t.Errorf("connections rejected: got %v, want 1", got)
	}
}

func TestCommandMetrics(t *testing.T) {
	CommandsTotal.Reset()

	tests := []struct {
		protocol, command, status string
	}{
		{"smtp", "EHLO", "success"},
		{"imap", "FETCH", "success"},
		{"imap", "FETCH", "failure"},
		{"pop3", "RETR", "success"},
	}
	for _, tt := range tests {
		CommandsTotal.WithLabelValues(tt.protocol, tt.command, tt.status).Inc()
		CommandDuration.WithLabelValues(tt.protocol, tt.command).Observe(0.002)
	}

	if got := testutil.CollectAndCount(CommandsTotal); got != len(tests) {
		t.Errorf("expected %d series, got %d", len(tests), got)
	}
}

func TestMetricNamesArePrefixed(t *testing.T) {
	collectors := []prometheus.Collector{
		ConnectionsTotal, ConnectionsCurrent, ConnectionsRejected, AuthenticationAttempts,
		CommandsTotal, MessagesReceived, POP3Deletions, ServerRestarts, ServerRunning,
		StoreOperationsTotal, S3OperationsTotal, ComponentHealthStatus,
	}
	ServerRunning.WithLabelValues("smtp").Set(1)
	ServerRestarts.WithLabelValues("smtp", "not_running").Inc()
	MessagesReceived.WithLabelValues("accepted").Inc()
	POP3Deletions.WithLabelValues("success").Inc()
	AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
	StoreOperationsTotal.WithLabelValues("save_message", "success").Inc()
	S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	ComponentHealthStatus.WithLabelValues("store", "localhost").Set(2)

	for _, c := range collectors {
		ch := make(chan *prometheus.Desc, 4)
		go func() {
			c.Describe(ch)
			close(ch)
		}()
		for d := range ch {
			if !strings.Contains(d.String(), `fqName: "postern_`) {
				t.Errorf("metric without postern_ prefix: %s", d)
			}
		}
	}
}
