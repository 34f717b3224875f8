package redissink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/editlock/api"
)

func TestPublishChannelAndStream(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()

	sink, err := New(Config{URL: "redis://" + mr.Addr(), Stream: "editlock:stream"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer sink.Close()

	reader := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer reader.Close()
	sub := reader.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe confirm: %v", err)
	}

	evt := api.LockEvent{ID: "e1", Type: api.EventHeartbeat, ResourceID: "page:home"}
	if err := sink.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var decoded api.LockEvent
	if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "e1" || decoded.Type != api.EventHeartbeat {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	entries, err := reader.XRange(ctx, "editlock:stream", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["resource"] != "page:home" {
		t.Fatalf("unexpected stream entries %+v", entries)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
