package health

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// serveSocket поднимает request/response агента: читает строку, отвечает reply(req)
func serveSocket(t *testing.T, reply func(req map[string]any) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadBytes('\n')
				if err != nil {
					return
				}
				var req map[string]any
				_ = json.Unmarshal(line, &req)
				_, _ = c.Write([]byte(reply(req) + "\n"))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// serveSilent принимает соединения и никогда не отвечает
func serveSilent(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

// closedAddr — адрес, на котором гарантированно никто не слушает
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type countingObserver struct {
	mu     sync.Mutex
	byStat map[domain.HealthStatus]int
}

func (o *countingObserver) ObserveProbe(_ domain.Transport, s domain.HealthStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byStat == nil {
		o.byStat = map[domain.HealthStatus]int{}
	}
	o.byStat[s]++
}

func newTestChecker(obs Observer) *Checker {
	return NewChecker(Options{Workers: 4, Ceiling: 2 * time.Second}, zap.NewNop(), obs)
}

func socketSpec(addr string, timeout time.Duration) domain.HealthCheckSpec {
	return domain.HealthCheckSpec{Transport: domain.TransportSocket, Target: addr, Timeout: timeout}
}

func TestProbeSocketHealthy(t *testing.T) {
	var gotAction atomic.Value
	addr := serveSocket(t, func(req map[string]any) string {
		gotAction.Store(req["action"])
		return `{"status":"Operational","agent":"memory"}`
	})

	obs := &countingObserver{}
	res := newTestChecker(obs).Probe(context.Background(), socketSpec(addr, time.Second))

	assert.Equal(t, domain.HealthHealthy, res.Status, res.Message)
	assert.Equal(t, "memory", res.RawResponse["agent"])
	assert.Equal(t, "health_check", gotAction.Load())
	assert.False(t, res.ObservedAt.IsZero())
	assert.Equal(t, 1, obs.byStat[domain.HealthHealthy])
}

func TestProbeSocketInvalidJSONIsError(t *testing.T) {
	addr := serveSocket(t, func(map[string]any) string { return "definitely not json" })

	res := newTestChecker(nil).Probe(context.Background(), socketSpec(addr, time.Second))
	assert.Equal(t, domain.HealthError, res.Status)
	assert.ErrorIs(t, res.Err(), domain.ErrProbeError)
}

func TestProbeSocketUnreachable(t *testing.T) {
	res := newTestChecker(nil).Probe(context.Background(), socketSpec(closedAddr(t), time.Second))
	assert.Equal(t, domain.HealthUnreachable, res.Status)
	assert.ErrorIs(t, res.Err(), domain.ErrProbeUnreachable)
}

func TestProbeSilentTargetTimesOutOnTime(t *testing.T) {
	addr := serveSilent(t)
	timeout := 150 * time.Millisecond

	start := time.Now()
	res := newTestChecker(nil).Probe(context.Background(), socketSpec(addr, timeout))
	elapsed := time.Since(start)

	assert.Equal(t, domain.HealthTimeout, res.Status)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestProbeInvalidSpecIsError(t *testing.T) {
	res := newTestChecker(nil).Probe(context.Background(), domain.HealthCheckSpec{Transport: "CARRIER_PIGEON", Target: "x"})
	assert.Equal(t, domain.HealthError, res.Status)
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"healthy"}`))
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"ok"}`))
		case "/garbage":
			w.Write([]byte(`<html>`))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
	}))
	defer srv.Close()

	c := newTestChecker(nil)
	probe := func(path string) domain.HealthCheckResult {
		return c.Probe(context.Background(), domain.HealthCheckSpec{
			Transport: domain.TransportHTTP,
			Target:    srv.URL + path,
			Timeout:   200 * time.Millisecond,
		})
	}

	assert.Equal(t, domain.HealthHealthy, probe("/health").Status)
	assert.Equal(t, domain.HealthHealthy, c.Probe(context.Background(), domain.HealthCheckSpec{
		Transport: domain.TransportHTTP, Target: srv.Listener.Addr().String(),
	}).Status, "default path /health")

	down := probe("/down")
	assert.Equal(t, domain.HealthUnhealthy, down.Status, "non-200 is never healthy")
	assert.Contains(t, down.Message, "503")

	assert.Equal(t, domain.HealthError, probe("/garbage").Status)
	assert.Equal(t, domain.HealthTimeout, probe("/slow").Status)
}

func TestProbeGRPC(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(ln)
	defer srv.Stop()

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("translator", healthpb.HealthCheckResponse_NOT_SERVING)

	c := newTestChecker(nil)
	spec := domain.HealthCheckSpec{Transport: domain.TransportGRPC, Target: ln.Addr().String(), Timeout: 2 * time.Second}

	res := c.Probe(context.Background(), spec)
	assert.Equal(t, domain.HealthHealthy, res.Status, res.Message)
	assert.Equal(t, "SERVING", res.RawResponse["status"])

	spec.RequestPayload = map[string]any{"service": "translator"}
	res = c.Probe(context.Background(), spec)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Equal(t, "NOT_SERVING", res.RawResponse["status"])
}

func TestProbeManyKeepsOrderAndMarksStragglers(t *testing.T) {
	healthy := serveSocket(t, func(map[string]any) string { return `{"status":"ok"}` })
	silent := serveSilent(t)

	c := NewChecker(Options{Workers: 2, Ceiling: 200 * time.Millisecond}, zap.NewNop(), nil)

	start := time.Now()
	results := c.ProbeMany(context.Background(), []domain.HealthCheckSpec{
		socketSpec(silent, 10*time.Second),
		socketSpec(healthy, time.Second),
		socketSpec(closedAddr(t), time.Second),
	})

	require.Len(t, results, 3)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.HealthTimeout, results[0].Status)
	assert.Equal(t, domain.HealthHealthy, results[1].Status)
	assert.Equal(t, domain.HealthUnreachable, results[2].Status)
}

func TestProbeManyBoundedConcurrency(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	specs := make([]domain.HealthCheckSpec, 12)
	for i := range specs {
		specs[i] = domain.HealthCheckSpec{Transport: domain.TransportHTTP, Target: srv.URL + "/health", Timeout: time.Second}
	}

	c := NewChecker(Options{Workers: 3, Ceiling: 5 * time.Second}, zap.NewNop(), nil)
	for _, r := range c.ProbeMany(context.Background(), specs) {
		assert.Equal(t, domain.HealthHealthy, r.Status)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestProbeUntilHealthyRetries(t *testing.T) {
	var calls int32
	addr := serveSocket(t, func(map[string]any) string {
		if atomic.AddInt32(&calls, 1) < 3 {
			return `{"status":"starting"}`
		}
		return `{"status":"ready"}`
	})

	spec := socketSpec(addr, time.Second)
	spec.AcceptedValues = []string{"ready"}

	res, attempts := newTestChecker(nil).ProbeUntilHealthy(context.Background(), spec,
		reliability.Policy{Attempts: 5, BaseDelay: time.Millisecond})

	assert.Equal(t, domain.HealthHealthy, res.Status)
	assert.Equal(t, uint(3), attempts)
}

func TestProbeUntilHealthyGivesUp(t *testing.T) {
	res, attempts := newTestChecker(nil).ProbeUntilHealthy(context.Background(),
		socketSpec(closedAddr(t), 100*time.Millisecond),
		reliability.Policy{Attempts: 3, BaseDelay: time.Millisecond})

	assert.Equal(t, domain.HealthUnreachable, res.Status)
	assert.Equal(t, uint(3), attempts)
}
