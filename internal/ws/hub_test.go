package ws

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/arkdeploy/ark/pkg/logger"
)

type recorder struct {
	got    []string
	fail   bool
	closed bool
}

func (r *recorder) Send(p []byte) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, string(p))
	return nil
}

func (r *recorder) Close() { r.closed = true }

func TestHubBroadcastAndBacklog(t *testing.T) {
	h := NewHub(2)
	h.Broadcast("p1", []byte("a"))
	h.Broadcast("p1", []byte("b"))
	h.Broadcast("p1", []byte("c"))

	late := &recorder{}
	h.Register("p1", late)
	if len(late.got) != 2 || late.got[0] != "b" || late.got[1] != "c" {
		t.Fatalf("expected replay of last two messages, got %v", late.got)
	}

	other := &recorder{}
	h.Register("p2", other)
	h.Broadcast("p1", []byte("d"))
	if len(other.got) != 0 {
		t.Fatalf("topic isolation broken: %v", other.got)
	}
	if late.got[len(late.got)-1] != "d" {
		t.Fatalf("expected live message, got %v", late.got)
	}
}

func TestHubDropsFailingClients(t *testing.T) {
	h := NewHub(0)
	bad := &recorder{fail: true}
	h.Register("p1", bad)
	h.Broadcast("p1", []byte("x"))
	if !bad.closed {
		t.Fatal("expected failing client to be closed")
	}
	if n := h.Subscribers("p1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(1)
	c := &recorder{}
	h.Register("p1", c)
	h.Close()
	if !c.closed {
		t.Fatal("expected client closed")
	}
	late := &recorder{}
	h.Register("p1", late)
	if !late.closed {
		t.Fatal("expected registration after close to be refused")
	}
}

func TestSSEClient(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, logger.Discard())
	if err := c.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := rec.Body.String(); got != "data: {\"a\":1}\n\n" {
		t.Fatalf("unexpected body %q", got)
	}
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected error after close")
	}
}
