package tcp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

func newTestTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(10 * time.Minute),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func newTestPool(t *testing.T, workers int) *concurrency.Pool {
	t.Helper()
	p, err := concurrency.NewWithConfig(concurrency.Config{
		Name:    "tcp-test",
		Workers: workers,
		Logger:  core.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func startServer(t *testing.T, exec concurrency.Executor, h ConnectionHandler, cfg Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Logger = core.NewNopLogger()

	s := NewServer(exec, h, cfg)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		_ = s.Stop()
		<-s.Done()
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// roundTrip dials addr and reads until the server closes the connection.
func roundTrip(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, _ := io.ReadAll(conn)
	return string(b)
}

func hello(_ context.Context, conn net.Conn) error {
	_, err := conn.Write([]byte("hello"))
	return err
}

func TestServer_HandlesConnections(t *testing.T) {
	p := newTestPool(t, 2)
	s := startServer(t, p, hello, Config{})

	for i := 0; i < 3; i++ {
		if got := roundTrip(t, s.Addr()); got != "hello" {
			t.Fatalf("response #%d = %q, want hello", i, got)
		}
	}

	waitFor(t, "handled connections", func() bool { return s.Metrics().HandledConnections == 3 })
	m := s.Metrics()
	if m.TotalAccepted != 3 || m.RejectedConnections != 0 || m.ErrorConnections != 0 {
		t.Errorf("Metrics() = %+v, want 3 accepted, none rejected or failed", m)
	}
	waitFor(t, "active to drop", func() bool { return s.Metrics().ActiveConnections == 0 })
}

func TestServer_StopsAfterMaxConnections(t *testing.T) {
	p := newTestPool(t, 2)
	s := startServer(t, p, hello, Config{MaxConnections: 2})
	addr := s.Addr()

	roundTrip(t, addr)
	roundTrip(t, addr)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after MaxConnections")
	}

	if conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		conn.Close()
		t.Error("Dial succeeded after the accept loop ended")
	}
	if got := s.Metrics().TotalAccepted; got != 2 {
		t.Errorf("TotalAccepted = %d, want 2", got)
	}
}

func TestServer_HandlerPanicIsolated(t *testing.T) {
	p := newTestPool(t, 1)
	calls := 0
	s := startServer(t, p, func(ctx context.Context, conn net.Conn) error {
		calls++
		if calls == 1 {
			panic("handler exploded")
		}
		return hello(ctx, conn)
	}, Config{})

	if got := roundTrip(t, s.Addr()); got != "" {
		t.Errorf("panicking handler response = %q, want empty", got)
	}
	if got := roundTrip(t, s.Addr()); got != "hello" {
		t.Errorf("response after panic = %q, want hello", got)
	}
	if got := p.Stats().Panicked; got != 1 {
		t.Errorf("pool Panicked = %d, want 1", got)
	}
	waitFor(t, "active to drop", func() bool { return s.Metrics().ActiveConnections == 0 })
}

func TestServer_HandlerErrorCounted(t *testing.T) {
	p := newTestPool(t, 1)
	s := startServer(t, p, func(context.Context, net.Conn) error {
		return errors.New("bad request")
	}, Config{})

	roundTrip(t, s.Addr())
	waitFor(t, "error count", func() bool { return s.Metrics().ErrorConnections == 1 })
	waitFor(t, "pool failure count", func() bool { return p.Stats().Failed == 1 })
}

func TestServer_RejectsWhenExecutorClosed(t *testing.T) {
	p := newTestPool(t, 1)
	s := startServer(t, p, hello, Config{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := roundTrip(t, s.Addr()); got != "" {
		t.Errorf("response = %q, want connection closed without data", got)
	}
	waitFor(t, "rejection", func() bool { return s.Metrics().RejectedConnections == 1 })
	if got := s.Metrics().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections = %d, want 0", got)
	}
}

func TestServer_BackpressureRejectsOverflow(t *testing.T) {
	p := newTestPool(t, 2)
	release := make(chan struct{})
	s := startServer(t, p, func(ctx context.Context, conn net.Conn) error {
		<-release
		return hello(ctx, conn)
	}, Config{MaxActive: 1})

	first, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	waitFor(t, "first connection in flight", func() bool { return s.Metrics().ActiveConnections == 1 })

	if got := roundTrip(t, s.Addr()); got != "" {
		t.Errorf("overflow response = %q, want rejected", got)
	}
	if got := s.Metrics().RejectedConnections; got != 1 {
		t.Errorf("RejectedConnections = %d, want 1", got)
	}

	close(release)
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if b, _ := io.ReadAll(first); string(b) != "hello" {
		t.Errorf("first response = %q, want hello", b)
	}
}

func TestServer_HandlerContextCarriesJobID(t *testing.T) {
	p := newTestPool(t, 1)
	ids := make(chan string, 1)
	s := startServer(t, p, func(ctx context.Context, conn net.Conn) error {
		ids <- core.JobIDFrom(ctx)
		return nil
	}, Config{})

	roundTrip(t, s.Addr())
	select {
	case id := <-ids:
		if id == "" {
			t.Error("handler context has no job id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestServer_TLS(t *testing.T) {
	p := newTestPool(t, 1)
	s := startServer(t, p, hello, Config{TLSConfig: newTestTLSConfig(t)})

	conn, err := tls.Dial("tcp", s.Addr(), &tls.Config{InsecureSkipVerify: true}) // #nosec G402 -- self-signed test cert
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	b, _ := io.ReadAll(conn)
	if string(b) != "hello" {
		t.Errorf("TLS response = %q, want hello", b)
	}
}

func TestServer_ServeBeforeListen(t *testing.T) {
	p := newTestPool(t, 1)
	s := NewServer(p, hello, Config{Logger: core.NewNopLogger()})
	if err := s.Serve(); err == nil {
		t.Error("Serve() before Listen should fail")
	}
}

func TestNewServer_NilArgumentsPanic(t *testing.T) {
	p := newTestPool(t, 1)
	for name, fn := range map[string]func(){
		"nil executor": func() { NewServer(nil, hello, DefaultConfig("")) },
		"nil handler":  func() { NewServer(p, nil, DefaultConfig("")) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}
