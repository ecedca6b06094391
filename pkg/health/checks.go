package health

import (
	"context"
	"errors"
	"time"
)

// Pinger is implemented by the mail store and the S3 storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck probes a backend's Ping method.
func PingCheck(name string, p Pinger, interval time.Duration, critical bool) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    p.Ping,
	}
}

var errNotRunning = errors.New("server is not running")

// RunningCheck reports a protocol server as failing while it is stopped.
func RunningCheck(protocol string, running func() bool, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     protocol,
		Interval: interval,
		Timeout:  time.Second,
		Check: func(context.Context) error {
			if !running() {
				return errNotRunning
			}
			return nil
		},
	}
}
