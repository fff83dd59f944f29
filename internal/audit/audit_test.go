package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memorySink struct{ events []Event }

func (m *memorySink) Record(_ context.Context, ev Event) error {
	m.events = append(m.events, ev)
	return nil
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject, p.data = subject, data
	return p.err
}

func TestRecorderStampsEvents(t *testing.T) {
	mem := &memorySink{}
	rec := NewRecorder(mem, zerolog.Nop())
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	ctx := WithRequestID(context.Background(), "req-123")
	rec.Record(ctx, Event{Action: "permit.approve", ResourceID: "p1", Outcome: OutcomeSuccess})

	require.Len(t, mem.events, 1)
	ev := mem.events[0]
	require.NotEmpty(t, ev.ID)
	require.Equal(t, fixed, ev.OccurredAt)
	require.Equal(t, "req-123", ev.RequestID)
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("disk full") })
	rec := NewRecorder(failing, zerolog.New(&buf))

	require.NotPanics(t, func() {
		rec.Record(context.Background(), Event{Action: "permit.create", Outcome: OutcomeError})
	})
	require.Contains(t, buf.String(), "disk full")

	var nilRec *Recorder
	nilRec.Record(context.Background(), Event{})
}

func TestMultiJoinsErrors(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	boom := errors.New("boom")
	sink := Multi(a, nil, SinkFunc(func(context.Context, Event) error { return boom }), b)

	err := sink.Record(context.Background(), Event{Action: "x"})
	require.ErrorIs(t, err, boom)
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf)}
	err := sink.Record(context.Background(), Event{
		ID:         "01HZX",
		Action:     "permit.closure.reject",
		ActorID:    "u-sup",
		ActorRole:  "supervisor",
		ResourceID: "p1",
		Outcome:    OutcomeSuccess,
		Reason:     "missing signature",
		Metadata:   map[string]string{"numero": "ALPHA-0001"},
	})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "audit", entry["type"])
	require.Equal(t, "permit.closure.reject", entry["action"])
	require.Equal(t, "missing signature", entry["reason"])
	meta, ok := entry["metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ALPHA-0001", meta["numero"])
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "")

	require.NoError(t, sink.Record(context.Background(), Event{ID: "e1", Action: "permit.approve", Outcome: OutcomeSuccess}))
	require.Equal(t, "ptw.audit.permit.approve", pub.subject)

	var got Event
	require.NoError(t, json.Unmarshal(pub.data, &got))
	require.Equal(t, "e1", got.ID)

	pub.err = errors.New("no responders")
	err := sink.Record(context.Background(), Event{Action: "permit.approve"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no responders"))
}

type fakeAppender struct{ got []Event }

func (f *fakeAppender) AppendAudit(_ context.Context, ev Event) error {
	f.got = append(f.got, ev)
	return nil
}

func TestStoreSinkDelegates(t *testing.T) {
	app := &fakeAppender{}
	require.NoError(t, StoreSink{Store: app}.Record(context.Background(), Event{ID: "e1"}))
	require.Len(t, app.got, 1)
}
