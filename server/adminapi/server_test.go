package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/pkg/health"
	"github.com/migadu/postern/server"
	"github.com/migadu/postern/server/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-api-key-12345"

type stubServer struct {
	name     string
	running  atomic.Bool
	starts   atomic.Int32
	sessions []server.SessionInfo
}

func (s *stubServer) Protocol() string { return s.name }
func (s *stubServer) Start(context.Context) error {
	s.starts.Add(1)
	s.running.Store(true)
	return nil
}
func (s *stubServer) Stop(context.Context) error {
	s.running.Store(false)
	return nil
}
func (s *stubServer) Status() server.Status {
	return server.Status{Protocol: s.name, Running: s.running.Load(), MaxConnections: 5, ActiveConnections: len(s.sessions)}
}

type listingServer struct{ *stubServer }

func (s listingServer) Sessions() []server.SessionInfo { return s.sessions }

type stubHealth struct{ overview health.Overview }

func (h stubHealth) Overview() health.Overview { return h.overview }

type fixture struct {
	handler http.Handler
	smtp    *stubServer
	pop3    *stubServer
}

func newFixture(t *testing.T, opts func(*ServerOptions)) *fixture {
	t.Helper()

	f := &fixture{
		smtp: &stubServer{name: "smtp"},
		pop3: &stubServer{name: "pop3", sessions: []server.SessionInfo{
			{ID: "01J0", Protocol: "pop3", RemoteAddr: "192.0.2.7:40000", User: "bob", State: "TRANSACTION"},
		}},
	}
	m, err := manager.New(config.ManagerConfig{
		MonitorInterval: "1h",
		RestartDelay:    "1ms",
		ReportInterval:  "1h",
		CleanupInterval: "1h",
	}, f.smtp, listingServer{f.pop3})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	o := ServerOptions{
		APIKey:   testKey,
		Hostname: "mx.test",
		Manager:  m,
		Health: stubHealth{health.Overview{
			Status:   health.StatusHealthy,
			Hostname: "mx.test",
			Components: []health.CheckReport{
				{Name: "store", Status: health.StatusHealthy, Critical: true, LastCheck: time.Now()},
			},
		}},
	}
	if opts != nil {
		opts(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	f.handler = s.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestNewRequiresKeyAndManager(t *testing.T) {
	_, err := New(ServerOptions{Manager: &manager.Manager{}})
	assert.Error(t, err)
	_, err = New(ServerOptions{APIKey: testKey})
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.5"}, "10.0.0.1:12345", "192.168.1.100"},
		{"real ip", map[string]string{"X-Real-IP": "192.168.1.200"}, "10.0.0.1:12345", "192.168.1.200"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "192.168.1.100", "X-Real-IP": "192.168.1.200"}, "10.0.0.1:12345", "192.168.1.100"},
		{"remote addr", nil, "192.168.1.50:12345", "192.168.1.50"},
		{"ipv6 remote addr", nil, "[::1]:12345", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, getClientIP(req))
		})
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name       string
		authHeader string
		status     int
		contains   string
	}{
		{"missing", "", http.StatusUnauthorized, "Authorization header required"},
		{"no scheme", "InvalidFormat", http.StatusUnauthorized, "Bearer <token>"},
		{"basic", "Basic dGVzdA==", http.StatusUnauthorized, "Bearer <token>"},
		{"wrong key", "Bearer wrong-key", http.StatusForbidden, "Invalid API key"},
		{"valid", "Bearer " + testKey, http.StatusOK, "servers"},
		{"lowercase scheme", "bearer " + testKey, http.StatusOK, "servers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/protocol/status", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.contains)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	f := newFixture(t, func(o *ServerOptions) {
		o.AllowedHosts = []string{"10.0.0.1", "192.168.1.0/24"}
	})

	for ip, want := range map[string]int{
		"10.0.0.1":     http.StatusOK,
		"192.168.1.77": http.StatusOK,
		"192.168.2.1":  http.StatusForbidden,
		"10.0.0.2":     http.StatusForbidden,
	} {
		req := httptest.NewRequest("GET", "/api/v1/protocol/status", nil)
		req.RemoteAddr = ip + ":5555"
		req.Header.Set("Authorization", "Bearer "+testKey)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, want, rr.Code, ip)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "GET", "/api/v1/protocol/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "mx.test", resp.Hostname)
	require.Len(t, resp.Servers, 2)
	assert.Equal(t, "smtp", resp.Servers[0].Protocol)
	assert.True(t, resp.Servers[0].Running)
	assert.True(t, resp.Running)
	assert.Equal(t, 1, resp.TotalActive)
	assert.Equal(t, 10, resp.TotalMax)
	assert.Equal(t, map[string]int64{"smtp": 0, "pop3": 0}, resp.Restarts)
	assert.Contains(t, rr.Body.String(), `"total_active_connections":1`)

	rr = f.do(t, "GET", "/api/v1/protocol/POP3/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var st server.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "pop3", st.Protocol)
	assert.Equal(t, 1, st.ActiveConnections)

	rr = f.do(t, "GET", "/api/v1/protocol/lmtp/status")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Unknown protocol: lmtp")
}

func TestSessions(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "GET", "/api/v1/protocol/pop3/sessions")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "bob", resp.Sessions[0].User)

	rr = f.do(t, "GET", "/api/v1/protocol/smtp/sessions")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestRestart(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "POST", "/api/v1/protocol/smtp/restart")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"restarted":["smtp"]}`, rr.Body.String())
	assert.Equal(t, int32(2), f.smtp.starts.Load())
	assert.Equal(t, int32(1), f.pop3.starts.Load())

	rr = f.do(t, "POST", "/api/v1/protocol/restart-all")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"restarted":["smtp","pop3"]}`, rr.Body.String())
	assert.Equal(t, int32(3), f.smtp.starts.Load())
	assert.Equal(t, int32(2), f.pop3.starts.Load())

	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/v1/protocol/nntp/restart").Code)
	rr = f.do(t, "GET", "/api/v1/protocol/smtp/restart")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Contains(t, rr.Body.String(), "Method not allowed")
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, "DELETE", "/api/v1/protocol/status").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/nothing").Code)

	rr = f.do(t, "GET", "/api/v1/protocol/status")
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, map[string]int64{"smtp": 2, "pop3": 1}, resp.Restarts)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, "GET", "/api/v1/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `"name":"store"`))

	f = newFixture(t, func(o *ServerOptions) {
		o.Health = stubHealth{health.Overview{Status: health.StatusUnhealthy}}
	})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "GET", "/api/v1/health").Code)

	f = newFixture(t, func(o *ServerOptions) { o.Health = nil })
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "GET", "/api/v1/health").Code)
}
