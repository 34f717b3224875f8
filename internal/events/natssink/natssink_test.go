package natssink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"pkt.systems/editlock/api"
)

func TestPublishDeliversJSONWithResourceHeader(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sink, err := New(Config{URL: srv.ClientURL(), SubjectPrefix: "test.locks."})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	s, err := sub.SubscribeSync("test.locks.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evt := api.LockEvent{ID: "e1", Type: api.EventTakeover, ResourceID: "page:home v2", At: time.Unix(1700000000, 0).UTC()}
	if err := sink.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := s.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "test.locks.takeover" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(HeaderResource); got != "page:home v2" {
		t.Fatalf("unexpected resource header %q", got)
	}
	var decoded api.LockEvent
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "e1" || decoded.ResourceID != evt.ResourceID {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestBorrowedConnNotClosed(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	sink := NewWithConn(conn, "")
	if sink.Subject(api.EventReleased) != "editlock.locks.released" {
		t.Fatalf("unexpected default subject %q", sink.Subject(api.EventReleased))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.IsClosed() {
		t.Fatal("borrowed connection must stay open")
	}
}
