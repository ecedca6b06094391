package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/postern/logger"
)

// ConnectionLimiter enforces a per-IP connection cap. The overall cap is
// the registry's job; the limiter only tracks how many live connections
// each remote IP holds.
type ConnectionLimiter struct {
	protocol string
	maxPerIP int

	mu               sync.RWMutex
	perIPConnections map[string]*atomic.Int64
	rejected         atomic.Int64
}

// ConnectionStats is a point-in-time view of the limiter.
type ConnectionStats struct {
	Protocol      string           `json:"protocol"`
	MaxPerIP      int              `json:"max_per_ip"`
	Rejected      int64            `json:"rejected"`
	IPConnections map[string]int64 `json:"ip_connections"`
}

// NewConnectionLimiter returns a limiter for protocol. maxPerIP <= 0
// disables the check; Accept then only hands back a no-op release.
func NewConnectionLimiter(protocol string, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		protocol:         protocol,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Accept registers a connection from remoteAddr. On success it returns a
// release func that must be called exactly once when the connection ends.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if cl == nil || cl.maxPerIP <= 0 {
		return func() {}, nil
	}

	ip := remoteIP(remoteAddr)

	cl.mu.Lock()
	counter, ok := cl.perIPConnections[ip]
	if !ok {
		counter = &atomic.Int64{}
		cl.perIPConnections[ip] = counter
	}
	// Check and increment under the write lock so two simultaneous
	// connections from one IP cannot both pass at maxPerIP-1.
	current := counter.Load()
	if current >= int64(cl.maxPerIP) {
		cl.mu.Unlock()
		cl.rejected.Add(1)
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
	}
	perIP := counter.Add(1)
	cl.mu.Unlock()

	logger.Debug("Connection limiter: Connection accepted", "protocol", cl.protocol, "ip", ip, "per_ip", perIP, "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			remaining := counter.Add(-1)
			if remaining <= 0 {
				cl.mu.Lock()
				if counter.Load() <= 0 && cl.perIPConnections[ip] == counter {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
			logger.Debug("Connection limiter: Connection released", "protocol", cl.protocol, "ip", ip, "per_ip", remaining)
		})
	}, nil
}

// Cleanup removes IP entries that no longer hold connections and returns
// how many were removed.
func (cl *ConnectionLimiter) Cleanup() int {
	if cl == nil {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Connection limiter: Cleaned up stale IP entries", "protocol", cl.protocol, "count", cleaned)
	}
	return cleaned
}

// Stats returns current per-IP counts.
func (cl *ConnectionLimiter) Stats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Protocol:      cl.protocol,
		MaxPerIP:      cl.maxPerIP,
		Rejected:      cl.rejected.Load(),
		IPConnections: make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}
