package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pixil98/go-testutil"
)

func startRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := New(WithPort(-1), WithPrefix("test"), WithStartTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRelay_PublishSubscribe(t *testing.T) {
	r := startRelay(t)

	got := make(chan []byte, 1)
	unsub, err := r.Subscribe(KindChat, func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	type chat struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := r.Publish(KindChat, chat{ID: "m1", Message: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-got:
		var c chat
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		testutil.AssertEqual(t, "message", c, chat{ID: "m1", Message: "hello"})
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestRelay_Subject(t *testing.T) {
	r, err := New(WithPort(-1), WithPrefix("realm"))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	testutil.AssertEqual(t, "joined", r.Subject(KindPlayerJoined), "realm.player.joined")
	testutil.AssertEqual(t, "left", r.Subject(KindPlayerLeft), "realm.player.left")
}

func TestRelay_NotStarted(t *testing.T) {
	r, err := New(WithPort(-1))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	testutil.AssertErrorContains(t, r.Publish(KindChat, "x"), "relay not started")
	_, err = r.Subscribe(KindChat, func([]byte) {})
	testutil.AssertErrorContains(t, err, "relay not started")
}

func TestRelay_CloseTwice(t *testing.T) {
	r := startRelay(t)
	if err := r.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
