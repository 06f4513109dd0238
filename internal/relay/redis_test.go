package relay

import (
	"bytes"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type relayed struct {
	uri   string
	event []byte
}

type captureSink struct {
	ch chan relayed
}

func (c *captureSink) DeliverRelayed(uri string, event []byte) {
	c.ch <- relayed{uri: uri, event: event}
}

func newTestRelay(t *testing.T, addr, origin string) *Relay {
	t.Helper()
	r, err := New("redis://"+addr, origin)
	if err != nil {
		t.Fatalf("connect relay %s: %v", origin, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRelayForwardsBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestRelay(t, mr.Addr(), "instance-a")
	b := newTestRelay(t, mr.Addr(), "instance-b")

	sinkA := &captureSink{ch: make(chan relayed, 16)}
	sinkB := &captureSink{ch: make(chan relayed, 16)}
	a.Run(sinkA)
	b.Run(sinkB)

	event := []byte(`{"type":"shared_delta","payload":{"uri":"file:///r.rs"}}`)
	deadline := time.After(5 * time.Second)

	// The subscriber loop attaches asynchronously; republish until the peer
	// sees the frame.
	var got relayed
publishing:
	for {
		a.Publish("file:///r.rs", event)
		select {
		case got = <-sinkB.ch:
			break publishing
		case <-deadline:
			t.Fatal("peer instance never received the relayed frame")
		case <-time.After(25 * time.Millisecond):
		}
	}

	if got.uri != "file:///r.rs" {
		t.Errorf("expected uri file:///r.rs, got %q", got.uri)
	}
	if !bytes.Equal(got.event, event) {
		t.Errorf("event mangled in transit: %s", got.event)
	}

	// The publisher must never hear its own frames back.
	select {
	case own := <-sinkA.ch:
		t.Fatalf("publisher received its own frame for %s", own.uri)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-redis-url", "instance-a"); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestRelayRejectsUnreachableServer(t *testing.T) {
	if _, err := New("redis://127.0.0.1:1", "instance-a"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
