package server

import "time"

// Status is a snapshot of one protocol server.
type Status struct {
	Protocol            string         `json:"protocol"`
	Running             bool           `json:"running"`
	ActiveConnections   int            `json:"active_connections"`
	MaxConnections      int            `json:"max_connections"`
	Addr                string         `json:"addr,omitempty"`
	TLSAddr             string         `json:"tls_addr,omitempty"`
	SubmissionAddr      string         `json:"submission_addr,omitempty"`
	Flags               map[string]any `json:"flags,omitempty"`
	TotalConnections    int64          `json:"total_connections"`
	RejectedConnections int64          `json:"rejected_connections"`
	StartedAt           time.Time      `json:"started_at"`
}

// Utilization is active/max in [0,1], or 0 when the server is unbounded.
func (s Status) Utilization() float64 {
	if s.MaxConnections <= 0 {
		return 0
	}
	return float64(s.ActiveConnections) / float64(s.MaxConnections)
}
