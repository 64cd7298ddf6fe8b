package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/threadpool/pkg/config"
	"github.com/fluxorio/threadpool/pkg/db"
	"github.com/fluxorio/threadpool/pkg/events"
	"github.com/fluxorio/threadpool/pkg/web"
)

// TestLoadConfig tests configuration loading
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}
	custom := write("custom.yaml", "pool:\n  workers: 7\n")
	bounded := write("bounded.yaml", "server:\n  max_active: 12\n")
	negative := write("negative.yaml", "server:\n  max_active: -1\n")

	tests := []struct {
		name          string
		path          string
		env           map[string]string
		wantWorkers   int
		wantMaxActive int
		wantErr       bool
	}{
		{name: "missing default file falls back to defaults", path: defaultConfigPath, wantWorkers: 4, wantMaxActive: 64},
		{name: "explicit file", path: custom, wantWorkers: 7, wantMaxActive: 64},
		{name: "max_active from file", path: bounded, wantWorkers: 4, wantMaxActive: 12},
		{
			name:          "max_active from env beats file",
			path:          bounded,
			env:           map[string]string{"THREADPOOL_SERVER_MAX_ACTIVE": "3"},
			wantWorkers:   4,
			wantMaxActive: 3,
		},
		{
			name:          "max_active from env without a file",
			path:          defaultConfigPath,
			env:           map[string]string{"THREADPOOL_SERVER_MAX_ACTIVE": "0"},
			wantWorkers:   4,
			wantMaxActive: 0,
		},
		{name: "negative max_active", path: negative, wantErr: true},
		{name: "missing explicit file", path: filepath.Join(dir, "nope.yaml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := loadConfig(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Pool.Workers != tt.wantWorkers {
				t.Errorf("Pool.Workers = %d, want %d", cfg.Pool.Workers, tt.wantWorkers)
			}
			if cfg.Server.MaxActive != tt.wantMaxActive {
				t.Errorf("Server.MaxActive = %d, want %d", cfg.Server.MaxActive, tt.wantMaxActive)
			}
			if cfg.Server.Addr == "" {
				t.Error("Server.Addr should not be empty")
			}
		})
	}
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) config.App {
	t.Helper()
	root := t.TempDir()
	for name, body := range map[string]string{
		"hello.html": "<h1>Hello!</h1>",
		"404.html":   "<h1>Oops!</h1>",
	} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.Pool.Workers = 2
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MaxConnections = 2
	cfg.Server.DocRoot = root
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Audit.Enabled = true
	cfg.Audit.Driver = "sqlite"
	cfg.Audit.DSN = "file:" + filepath.Join(t.TempDir(), "audit.db")
	cfg.Log.Level = "error"
	return cfg
}

func get(t *testing.T, addr, path string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: localhost\r\n\r\n", path)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, body)
}

func TestApp_ServesUntilConnectionLimit(t *testing.T) {
	cfg := testConfig(t)
	out := &lockedBuffer{}

	a, err := newApp(context.Background(), cfg, out)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()

	if got := get(t, a.server.Addr(), "/"); got != "200 <h1>Hello!</h1>" {
		t.Errorf("GET / = %q", got)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + a.adminLn.Addr().String() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	var stats struct {
		Pool struct {
			Name    string `json:"name"`
			Workers int    `json:"workers"`
		} `json:"pool"`
		Extra map[string]json.RawMessage `json:"extra"`
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if stats.Pool.Name != "webserver" || stats.Pool.Workers != 2 {
		t.Errorf("pool stats = %+v", stats.Pool)
	}
	var tcpStats struct {
		MaxActive int `json:"max_active"`
	}
	if err := json.Unmarshal(stats.Extra["tcp"], &tcpStats); err != nil {
		t.Errorf("extra = %v, want a tcp entry: %v", stats.Extra, err)
	}
	if tcpStats.MaxActive != cfg.Server.MaxActive {
		t.Errorf("tcp max_active = %d, want %d from config", tcpStats.MaxActive, cfg.Server.MaxActive)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+a.adminLn.Addr().String()+"/events", nil)
	if err != nil {
		t.Fatalf("Dial /events: %v", err)
	}
	defer ws.Close()
	for deadline := time.Now().Add(2 * time.Second); a.stream.Clients() != 1; {
		if time.Now().After(deadline) {
			t.Fatal("event stream client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := get(t, a.server.Addr(), "/missing"); got != "404 <h1>Oops!</h1>" {
		t.Errorf("GET /missing = %q", got)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the connection limit")
	}

	exits := 0
	for {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev events.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("event stream ended with %v, want going-away close", err)
			}
			break
		}
		if ev.Type == events.TypeWorkerExited {
			exits++
		}
	}
	if exits != cfg.Pool.Workers {
		t.Errorf("streamed %d worker exits, want %d", exits, cfg.Pool.Workers)
	}

	if !strings.Contains(out.String(), "Shutting down.") {
		t.Errorf("output %q does not announce shutdown", out.String())
	}
	if s := a.pool.State().String(); s != "stopped" {
		t.Errorf("pool state = %s, want stopped", s)
	}

	store, err := db.OpenAudit(context.Background(), db.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN})
	if err != nil {
		t.Fatalf("OpenAudit() error = %v", err)
	}
	defer store.Close()
	n, err := store.Count(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("audited runs = %d, want 2", n)
	}
}

func TestApp_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxConnections = 0
	cfg.Admin.Enabled = false
	cfg.Audit.Enabled = false

	a, err := newApp(context.Background(), cfg, &lockedBuffer{})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	if got := get(t, a.server.Addr(), "/"); got != "200 <h1>Hello!</h1>" {
		t.Errorf("GET / = %q", got)
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := net.DialTimeout("tcp", a.server.Addr(), time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestPrintToken(t *testing.T) {
	cfg := config.Default()
	if err := printToken(io.Discard, cfg, "ops", time.Hour); err == nil {
		t.Error("printToken() without a secret should fail")
	}

	cfg.Admin.JWTSecret = "0123456789abcdef"
	var buf bytes.Buffer
	if err := printToken(&buf, cfg, "ops", time.Hour); err != nil {
		t.Fatalf("printToken() error = %v", err)
	}
	token := strings.TrimSpace(buf.String())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
	if !web.BearerCredential([]byte(cfg.Admin.JWTSecret))(ctx) {
		t.Errorf("printed token %q is not accepted by the admin server", token)
	}
}

func TestNewApp_InvalidLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "loud"
	if _, err := newApp(context.Background(), cfg, io.Discard); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
