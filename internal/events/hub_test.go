package events

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestHub_BroadcastsToSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := Event{Type: "transfer", TransferID: "t-1", AgentID: "agent_pc2", Verified: true}
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.TransferID != "t-1" || !got.Verified {
		t.Fatalf("event = %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{NewHub(zerolog.Nop()), nil, failingPublisher{boom}}
	if err := m.Publish(context.Background(), Event{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := (Multi{NewHub(zerolog.Nop())}).Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
