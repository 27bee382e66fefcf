package natsutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startServer runs an in-process NATS server on a random port and returns
// a connection to it.
func startServer(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats server not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type note struct {
	DocID  string `json:"doc_id"`
	Chunks int    `json:"chunks"`
}

func TestHeaderCarrier(t *testing.T) {
	carrier := (*HeaderCarrier)(&nats.Msg{})

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("Get = %q, want traceparent value", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("Keys = %v, want one entry", keys)
	}
}

func TestHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*HeaderCarrier)(&nats.Msg{})

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("Get on empty carrier = %q, want empty", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("Keys on empty carrier = %v, want nil", keys)
	}
}

func TestHeaderCarrierOverwrite(t *testing.T) {
	carrier := &HeaderCarrier{}
	carrier.Set("key", "first")
	carrier.Set("key", "second")
	if got := carrier.Get("key"); got != "second" {
		t.Fatalf("Get = %q, want second", got)
	}
}

func TestHeaderCarrierKeys(t *testing.T) {
	carrier := &HeaderCarrier{}
	carrier.Set("traceparent", "a")
	carrier.Set("tracestate", "b")
	carrier.Set("baggage", "c")

	keys := carrier.Keys()
	if len(keys) != 3 {
		t.Fatalf("Keys = %v, want 3 entries", keys)
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, want := range []string{"traceparent", "tracestate", "baggage"} {
		if !seen[want] {
			t.Errorf("key %q missing from %v", want, keys)
		}
	}
}

func TestPublishDeliversJSON(t *testing.T) {
	nc := startServer(t)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("quill.test.pub", ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "quill.test.pub", note{DocID: "doc-1", Chunks: 4}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		var n note
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			t.Fatal(err)
		}
		if n.DocID != "doc-1" || n.Chunks != 4 {
			t.Fatalf("unexpected payload: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeDecodes(t *testing.T) {
	nc := startServer(t)

	ch := make(chan note, 1)
	sub, err := Subscribe(nc, "quill.test.sub", func(_ context.Context, n note) {
		ch <- n
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "quill.test.sub", note{DocID: "doc-2", Chunks: 9}); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-ch:
		if n.DocID != "doc-2" || n.Chunks != 9 {
			t.Fatalf("unexpected payload: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := startServer(t)

	called := make(chan struct{}, 1)
	sub, err := Subscribe(nc, "quill.test.malformed", func(context.Context, note) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("quill.test.malformed", []byte("{bad"))
	nc.Flush()

	select {
	case <-called:
		t.Fatal("handler ran on malformed payload")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestRoundTrip(t *testing.T) {
	nc := startServer(t)

	sub, err := nc.Subscribe("quill.test.req", func(msg *nats.Msg) {
		var n note
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return
		}
		data, _ := json.Marshal(note{DocID: n.DocID, Chunks: n.Chunks * 2})
		msg.Respond(data)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	resp, err := Request[note, note](context.Background(), nc, "quill.test.req", note{DocID: "doc-3", Chunks: 5})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DocID != "doc-3" || resp.Chunks != 10 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRequestNoResponder(t *testing.T) {
	nc := startServer(t)

	if _, err := Request[note, note](context.Background(), nc, "quill.test.noreply", note{DocID: "doc-4"}); err == nil {
		t.Fatal("expected error without a responder")
	}
}

func TestRequestBadResponse(t *testing.T) {
	nc := startServer(t)

	sub, err := nc.Subscribe("quill.test.badjson", func(msg *nats.Msg) {
		msg.Respond([]byte("{invalid"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if _, err := Request[note, note](context.Background(), nc, "quill.test.badjson", note{DocID: "doc-5"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPublishMarshalError(t *testing.T) {
	nc := startServer(t)

	if err := Publish(context.Background(), nc, "quill.test.err", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestRequestMarshalError(t *testing.T) {
	nc := startServer(t)

	if _, err := Request[chan int, note](context.Background(), nc, "quill.test.err", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
