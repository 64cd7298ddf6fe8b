package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func subscribe(t *testing.T, url, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return sub
}

func TestPublisher_PublishesPoolEvents(t *testing.T) {
	s := runTestNATSServer(t)
	sub := subscribe(t, s.ClientURL(), "threadpool.test.>")

	pub, err := NewPublisher(Config{
		URL:     s.ClientURL(),
		Subject: "threadpool.test",
		Name:    "publisher-test",
		Pool:    "events",
		Logger:  core.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	p, err := concurrency.NewWithConfig(concurrency.Config{
		Name:     "events",
		Workers:  2,
		Logger:   core.NewNopLogger(),
		Observer: pub,
	})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	_ = p.Execute(func() {})
	_ = p.Execute(func() { panic("boom") })
	_ = p.Submit(concurrency.NewNamedTask("import", func(context.Context) error {
		return errors.New("bad row")
	}))
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Publisher.Close() error = %v", err)
	}

	counts := map[string]int{}
	var failed Event
	for i := 0; i < 4; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("NextMsg() #%d error = %v", i, err)
		}
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if msg.Subject != "threadpool.test."+ev.Type {
			t.Errorf("subject = %q, want threadpool.test.%s", msg.Subject, ev.Type)
		}
		if ev.Pool != "events" {
			t.Errorf("Pool = %q, want events", ev.Pool)
		}
		if ev.JobID != "" && msg.Header.Get(HeaderJobID) != ev.JobID {
			t.Errorf("header %s = %q, want %q", HeaderJobID, msg.Header.Get(HeaderJobID), ev.JobID)
		}
		if ev.Type == TypeJobFailed {
			failed = ev
		}
		counts[ev.Type]++
	}

	want := map[string]int{TypeJobPanicked: 1, TypeJobFailed: 1, TypeWorkerExited: 2}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
	if failed.JobName != "import" || failed.Error != "bad row" {
		t.Errorf("failed event = %+v, want job import with error bad row", failed)
	}

	if msg, err := sub.NextMsg(100 * time.Millisecond); err == nil {
		t.Errorf("unexpected extra event on %s", msg.Subject)
	}
}

func TestNewPublisher_ConnectError(t *testing.T) {
	_, err := NewPublisher(Config{URL: "nats://127.0.0.1:1", Logger: core.NewNopLogger()})
	if err == nil {
		t.Fatal("NewPublisher() to a closed port should fail")
	}
}
