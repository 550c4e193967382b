package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	msgs    []*nats.Msg
	err     error
	drained int
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained++
	return nil
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, typ, want string
	}{
		{"lis", TypeRejectionCreated, "lis.rejection.created"},
		{"lis.", TypeRejectionEscalated, "lis.rejection.escalated"},
		{"", TypeSampleRejected, "sample.rejected"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.typ); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.typ, got, tt.want)
		}
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := newNATSPublisher(fc, "lis", zerolog.Nop())

	err := p.Publish(context.Background(), Event{
		Type:          TypeRejectionCreated,
		SiteID:        "north",
		OrderID:       "ord-1",
		TestCode:      "GLU",
		RejectionType: "retest_same_sample",
		Action:        "retest",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fc.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fc.msgs))
	}
	msg := fc.msgs[0]
	if msg.Subject != "lis.rejection.created" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if msg.Header.Get("Lis-Site") != "north" {
		t.Errorf("expected site header, got %q", msg.Header.Get("Lis-Site"))
	}

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Errorf("expected id and timestamp to be filled, got %+v", ev)
	}
	if msg.Header.Get(nats.MsgIdHdr) != ev.ID {
		t.Errorf("expected Nats-Msg-Id to match event id")
	}
	if ev.OrderID != "ord-1" || ev.Action != "retest" {
		t.Errorf("unexpected payload %+v", ev)
	}
}

func TestNATSPublisher_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newNATSPublisher(fc, "lis", zerolog.Nop())
	if err := p.Publish(context.Background(), Event{Type: TypeRejectionCreated}); err == nil {
		t.Fatal("expected publish error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, Event{Type: TypeRejectionCreated}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNATSPublisher_CloseIsIdempotent(t *testing.T) {
	fc := &fakeConn{}
	p := newNATSPublisher(fc, "lis", zerolog.Nop())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if fc.drained != 1 {
		t.Errorf("expected a single drain, got %d", fc.drained)
	}
	if err := p.Publish(context.Background(), Event{Type: TypeRejectionCreated}); err == nil {
		t.Error("expected publish after close to fail")
	}
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	if _, err := NewNATSPublisher("nats://127.0.0.1:1", "lis", zerolog.Nop()); err == nil {
		t.Fatal("expected connect error")
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher("lis", zerolog.New(&buf))
	if err := p.Publish(context.Background(), Event{Type: TypeRejectionEscalated, OrderID: "ord-9", Escalated: true}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"subject":"lis.rejection.escalated"`) || !strings.Contains(out, `"escalated":true`) {
		t.Errorf("unexpected log line %s", out)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), Event{Type: TypeRejectionCreated})
	got := r.Events()
	if len(got) != 1 || got[0].ID == "" {
		t.Fatalf("unexpected events %+v", got)
	}
	r.Err = errors.New("down")
	if err := r.Publish(context.Background(), Event{}); err == nil {
		t.Error("expected configured error")
	}
}

func TestMulti_SharesIDAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{Err: errors.New("b down")}
	c := &Recorder{}
	m := Multi{a, b, c}

	err := m.Publish(context.Background(), Event{Type: TypeSampleRejected})
	if err == nil || !strings.Contains(err.Error(), "b down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.Events()) != 1 || len(c.Events()) != 1 {
		t.Fatal("a failing sink must not stop the others")
	}
	if a.Events()[0].ID != c.Events()[0].ID {
		t.Error("all sinks should see the same event id")
	}
	if err := m.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
