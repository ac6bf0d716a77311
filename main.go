package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tcp2socks/internal/command"
	"github.com/die-net/tcp2socks/internal/connector"
	"github.com/die-net/tcp2socks/internal/pipeline"
	"github.com/die-net/tcp2socks/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaults := server.DefaultConfig()

	var (
		clientRWTimeout    = pflag.Duration("client-rw-timeout", defaults.ClientRWTimeout, "Per-call read/write timeout on client connections; bounds how long a stop request waits on an idle client. 0 disables.")
		serverRWTimeout    = pflag.Duration("server-rw-timeout", defaults.ServerRWTimeout, "Per-call read/write timeout on proxy connections. 0 disables.")
		acceptTimeout      = pflag.Duration("accept-timeout", defaults.AcceptTimeout, "How long a single accept waits before the listener re-checks for shutdown. 0 disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for the TCP connect to the proxy")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the SOCKS5 handshake with the proxy")
		bufferSize         = pflag.Int("buffer-size", defaults.BufferSize, "Relay buffer size in bytes per direction")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel           = pflag.String("log-level", "info", "Log level: panic|fatal|error|warn|info|debug|trace")
		verbose            = pflag.Bool("verbose", false, "Shorthand for --log-level=debug")
		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] tcp://listen-host:port socks5h://[user:pass@]proxy-host:port tcp://destination-host:port\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if pflag.NArg() != 3 {
		pflag.Usage()
		return fmt.Errorf("expected 3 urls, got %d", pflag.NArg())
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	if *verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *bufferSize <= 0 {
		return errors.New("invalid --buffer-size: must be > 0")
	}

	p, err := pipeline.Parse(pflag.Arg(0), pflag.Arg(1), pflag.Arg(2))
	if err != nil {
		return err
	}

	cfg := server.Config{
		ListenAddr:      p.ServerAddr.String(),
		Destination:     p.Destination,
		ClientRWTimeout: *clientRWTimeout,
		ServerRWTimeout: *serverRWTimeout,
		AcceptTimeout:   *acceptTimeout,
		BufferSize:      *bufferSize,
		KeepAlive:       ka,
		Logger:          log,
	}

	sc := connector.NewSOCKS5Connector(connector.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		ReadTimeout:        cfg.ServerRWTimeout,
		WriteTimeout:       cfg.ServerRWTimeout,
		KeepAlive:          ka,
		Auth:               p.ProxyAuth,
	}, p.ProxyAddr.String())

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	srv := server.New(cfg, sc)
	ln, err := srv.Listen(ctx)
	if err != nil {
		return err
	}

	// A signal, or a failed debug server, stops the relay.
	context.AfterFunc(ctx, func() {
		_ = srv.Commands().Send(command.Terminate{})
	})

	g.Go(func() error {
		defer stop()
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.WithField("listen", debugLn.Addr()).Info("debug listening")
	}

	err = g.Wait()
	log.Info("shut down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
