package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	gosocks5 "github.com/things-go/go-socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tcp2socks/internal/command"
	"github.com/die-net/tcp2socks/internal/conn"
	"github.com/die-net/tcp2socks/internal/connector"
	"github.com/die-net/tcp2socks/internal/metrics"
	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/testutil"
)

// directConnector dials the destination itself, optionally failing the first
// few attempts.
type directConnector struct {
	failures atomic.Int32
	calls    atomic.Int32
	timeout  time.Duration
}

var errInjected = errors.New("injected connect failure")

func (d *directConnector) Connect(ctx context.Context, dst model.Address) (net.Conn, net.Addr, error) {
	d.calls.Add(1)
	if d.failures.Add(-1) >= 0 {
		return nil, nil, errInjected
	}

	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return nil, nil, err
	}
	return conn.WithTimeouts(c, d.timeout, d.timeout), c.RemoteAddr(), nil
}

func (d *directConnector) ConnectPacket(context.Context, model.Address) (net.PacketConn, net.Addr, error) {
	return nil, nil, model.ErrNotImplemented
}

func testConfig(dst net.Addr) Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Destination = model.AddressFromTCPAddr(dst.(*net.TCPAddr))
	cfg.ClientRWTimeout = 100 * time.Millisecond
	cfg.ServerRWTimeout = 100 * time.Millisecond
	cfg.AcceptTimeout = 100 * time.Millisecond

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg.Logger = log
	return cfg
}

type running struct {
	srv  *Server
	addr string
	errc chan error
}

func startServer(t *testing.T, cfg Config, c connector.Connector) *running {
	t.Helper()

	srv := New(cfg, c)
	ln, err := srv.Listen(context.Background())
	require.NoError(t, err)

	r := &running{srv: srv, addr: ln.Addr().String(), errc: make(chan error, 1)}
	go func() { r.errc <- srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Commands().Send(command.Terminate{})
		<-r.errc
	})
	require.Eventually(t, func() bool { return srv.State() == Accepting }, time.Second, time.Millisecond)
	return r
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func (r *running) terminate(t *testing.T, within time.Duration) error {
	t.Helper()

	require.NoError(t, r.srv.Commands().Send(command.Terminate{}))
	select {
	case err := <-r.errc:
		r.errc <- err
		return err
	case <-time.After(within):
		t.Fatalf("server did not stop within %s", within)
		return nil
	}
}

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*net.TCPConn)
}

func requireEOF(t *testing.T, c net.Conn, within time.Duration) {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(within)))
	_, err := io.ReadAll(c)
	require.NoError(t, err, "expected the relay to close the connection")
}

func TestServerRelaysThroughSOCKS5Proxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxyLn.Close() })
	proxy := gosocks5.NewServer()
	go func() { _ = proxy.Serve(proxyLn) }()

	cfg := testConfig(echoLn.Addr())
	sc := connector.NewSOCKS5Connector(connector.Config{
		DialTimeout:        time.Second,
		NegotiationTimeout: time.Second,
		ReadTimeout:        cfg.ServerRWTimeout,
		WriteTimeout:       cfg.ServerRWTimeout,
	}, proxyLn.Addr().String())

	r := startServer(t, cfg, sc)

	var g errgroup.Group
	for range 4 {
		payload := testutil.RandomBytes(t, 8200)
		g.Go(func() error {
			c, err := net.DialTimeout("tcp", r.addr, time.Second)
			if err != nil {
				return err
			}
			defer c.Close()

			var wg errgroup.Group
			wg.Go(func() error {
				_, err := c.Write(payload)
				return err
			})
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(c, got); err != nil {
				return err
			}
			if err := wg.Wait(); err != nil {
				return err
			}
			if !bytes.Equal(payload, got) {
				return errors.New("echoed bytes differ")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, r.terminate(t, 2*time.Second))
	require.Equal(t, Stopped, r.srv.State())
}

func TestServerIsolatesConnectFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	dc := &directConnector{timeout: 100 * time.Millisecond}
	dc.failures.Store(1)

	r := startServer(t, testConfig(echoLn.Addr()), dc)

	failed := dial(t, r.addr)
	requireEOF(t, failed, 2*time.Second)

	ok := dial(t, r.addr)
	testutil.AssertEcho(t, ok, ok, []byte("after a failure"))

	require.EqualValues(t, 2, dc.calls.Load())
	require.Equal(t, Accepting, r.srv.State())
}

func TestServerTerminateStopsLiveSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	r := startServer(t, testConfig(echoLn.Addr()), &directConnector{timeout: 100 * time.Millisecond})

	var clients []*net.TCPConn
	for range 3 {
		c := dial(t, r.addr)
		testutil.AssertEcho(t, c, c, []byte("ping"))
		clients = append(clients, c)
	}

	start := time.Now()
	require.NoError(t, r.terminate(t, 2*time.Second))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, Stopped, r.srv.State())

	for _, c := range clients {
		requireEOF(t, c, time.Second)
	}

	_, err := net.DialTimeout("tcp", r.addr, 200*time.Millisecond)
	require.Error(t, err, "listener still accepting after stop")
}

func TestServerTerminateWithoutTimeouts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	cfg := testConfig(echoLn.Addr())
	cfg.ClientRWTimeout = 0
	cfg.AcceptTimeout = 0

	r := startServer(t, cfg, &directConnector{})

	c := dial(t, r.addr)
	testutil.AssertEcho(t, c, c, []byte("ping"))

	require.NoError(t, r.terminate(t, 2*time.Second))
	requireEOF(t, c, time.Second)
}

func TestServerSurvivesIdleAcceptTimeouts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	cfg := testConfig(echoLn.Addr())
	cfg.AcceptTimeout = 20 * time.Millisecond

	r := startServer(t, cfg, &directConnector{timeout: 100 * time.Millisecond})

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, Accepting, r.srv.State())

	c := dial(t, r.addr)
	testutil.AssertEcho(t, c, c, []byte("still accepting"))
}

func TestServerClientCloseEndsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	r := startServer(t, testConfig(echoLn.Addr()), &directConnector{timeout: 100 * time.Millisecond})

	c := dial(t, r.addr)
	testutil.AssertEcho(t, c, c, []byte("bye"))
	require.NoError(t, c.CloseWrite())
	requireEOF(t, c, 2*time.Second)

	// The session is reaped, so Terminate has nothing left to wait for.
	require.NoError(t, r.terminate(t, time.Second))
}

func TestServerListenerFailureStopsServe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := New(testConfig(echoLn.Addr()), &directConnector{})

	ln, err := srv.Listen(ctx)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ln.Listener.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the listener failed")
	}
	require.Equal(t, Stopped, srv.State())
	require.ErrorIs(t, srv.Commands().Send(command.Terminate{}), model.ErrDisconnected)
}

func TestServerServeTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	r := startServer(t, testConfig(echoLn.Addr()), &directConnector{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	require.ErrorIs(t, r.srv.Serve(ln), errAlreadyStarted)
}

func TestServerReapsEachSessionOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	cfg := testConfig(echoLn.Addr())
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	cfg.Logger = log

	dc := &directConnector{timeout: 100 * time.Millisecond}
	dc.failures.Store(2)

	connectFailures := counterValue(t, metrics.ConnectFailures)
	sessionErrors := counterValue(t, metrics.SessionErrors)

	r := startServer(t, cfg, dc)

	// Two sessions whose connect fails.
	for range 2 {
		requireEOF(t, dial(t, r.addr), 2*time.Second)
	}

	// One the client ends.
	c := dial(t, r.addr)
	testutil.AssertEcho(t, c, c, []byte("done"))
	require.NoError(t, c.CloseWrite())
	requireEOF(t, c, 2*time.Second)

	// Two still live when the server drains.
	for range 2 {
		c := dial(t, r.addr)
		testutil.AssertEcho(t, c, c, []byte("live"))
	}

	require.NoError(t, r.terminate(t, 2*time.Second))

	reaped := make(map[any]int)
	for _, e := range hook.AllEntries() {
		require.NotEqual(t, "disconnect for unknown session", e.Message)
		switch e.Message {
		case "session closed", "session closed with error", "session closed after connect failure":
			reaped[e.Data["session"]]++
		}
	}
	require.Len(t, reaped, 5)
	for id, n := range reaped {
		require.Equal(t, 1, n, "%v reaped %d times", id, n)
	}

	require.InDelta(t, 2, counterValue(t, metrics.ConnectFailures)-connectFailures, 0)
	require.InDelta(t, 0, counterValue(t, metrics.SessionErrors)-sessionErrors, 0)
}

func TestServerRestartsWithoutLeakingGoroutines(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	cfg := testConfig(echoLn.Addr())

	base := runtime.NumGoroutine()

	for range 5 {
		srv := New(cfg, &directConnector{timeout: 100 * time.Millisecond})
		ln, err := srv.Listen(ctx)
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()

		var clients []net.Conn
		for range 3 {
			c, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
			require.NoError(t, err)
			testutil.AssertEcho(t, c, c, []byte("cycle"))
			clients = append(clients, c)
		}

		require.NoError(t, srv.Commands().Send(command.Terminate{}))
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop")
		}

		for _, c := range clients {
			requireEOF(t, c, time.Second)
			require.NoError(t, c.Close())
		}
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base
	}, 2*time.Second, 10*time.Millisecond, "goroutines did not return to %d", base)
}

func TestServerBindAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(ln.Addr())
	cfg.ListenAddr = ln.Addr().String()

	srv := New(cfg, &directConnector{})
	err = srv.ListenAndServe(context.Background())
	require.ErrorIs(t, err, model.ErrAddrInUse)
	require.Equal(t, Stopped, srv.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "accepting", Accepting.String())
	require.Equal(t, "draining", Draining.String())
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "State(9)", State(9).String())
}
