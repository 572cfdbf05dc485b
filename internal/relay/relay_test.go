package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/xrlink/internal/drugs"
	"github.com/petervdpas/xrlink/internal/notes"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"
	"github.com/petervdpas/xrlink/internal/transport/transporttest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type batches struct {
	mu    sync.Mutex
	calls map[string][]proto.QualityInput
}

func (b *batches) RecordQualityBatch(deviceID string, in []proto.QualityInput) bool {
	if deviceID == "" || len(in) == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[deviceID] = append(b.calls[deviceID], in...)
	return true
}

type fakeNotes struct {
	note notes.Note
	err  error
	got  chan string
}

func (f *fakeNotes) Generate(_ context.Context, text string) (notes.Note, error) {
	if f.got != nil {
		f.got <- text
	}
	if f.err != nil {
		return notes.ErrorNote(), f.err
	}
	return f.note, nil
}

type fakeDrugs struct {
	mu   sync.Mutex
	meds [][]string
}

func (f *fakeDrugs) CheckMedications(_ context.Context, meds []string) []drugs.Result {
	f.mu.Lock()
	f.meds = append(f.meds, meds)
	f.mu.Unlock()
	out := []drugs.Result{}
	for _, q := range drugs.Queries(meds) {
		name := q
		out = append(out, drugs.Result{Query: q, Status: drugs.StatusExists, Matched: &name})
	}
	return out
}

type fixture struct {
	hub     *transport.Hub
	bus     *Bus
	quality *batches
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := transporttest.NewHub()
	reg := prometheus.NewRegistry()
	q := &batches{calls: map[string][]proto.QualityInput{}}
	bus := New(hub, q, observability.NewMetrics(reg), Options{BufferSize: 100, ReplayCount: 10, EnrichTimeout: time.Second})
	bus.SetClock(func() time.Time { return fixedNow })
	t.Cleanup(bus.Close)
	return &fixture{hub: hub, bus: bus, quality: q, reg: reg}
}

// device returns a session holding id and, when room is set, in that room.
func (f *fixture) device(id, room string) *transport.Conn {
	c := transporttest.Conn(f.hub)
	c.Bind(id, id+"-name", false)
	f.hub.Join(c, proto.DeviceRoom(id))
	if room != "" {
		f.hub.Join(c, room)
		c.SetRoom(room)
	}
	return c
}

type signalFrame struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

func signals(t *testing.T, c *transport.Conn) []signalFrame {
	t.Helper()
	var out []signalFrame
	for _, f := range transporttest.Drain(t, c) {
		if f.Event != proto.EvSignal {
			continue
		}
		var s signalFrame
		require.NoError(t, json.Unmarshal(f.Data, &s))
		out = append(out, s)
	}
	return out
}

// waitSignal collects signal frames on c until one of type typ arrives.
func waitSignal(t *testing.T, c *transport.Conn, typ string) signalFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, ok := transporttest.Wait(t, c, proto.EvSignal, 50*time.Millisecond)
		if !ok {
			continue
		}
		var s signalFrame
		require.NoError(t, json.Unmarshal(f.Data, &s))
		if s.Type == typ {
			return s
		}
	}
	t.Fatalf("no %s signal", typ)
	return signalFrame{}
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg, name)
	require.NoError(t, err)
	return n
}

func TestSignalToIdentityRoom(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	b := f.device("XR-2", "")
	other := f.device("XR-3", "")

	err := f.bus.Signal(a, proto.Signal{Type: "offer", From: "XR-1", To: "XR-2", Data: json.RawMessage(`{"sdp":"x"}`)})
	require.NoError(t, err)

	got := signals(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, "offer", got[0].Type)
	assert.Equal(t, "XR-1", got[0].From)
	assert.JSONEq(t, `{"sdp":"x"}`, string(got[0].Data))
	assert.Empty(t, signals(t, a))
	assert.Empty(t, signals(t, other))
}

func TestSignalToRoomExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	b := f.device("XR-2", "pair:XR-1:XR-2")

	require.NoError(t, f.bus.Signal(a, proto.Signal{Type: "candidate", From: "XR-1", Data: json.RawMessage(`{"candidate":""}`)}))
	assert.Len(t, signals(t, b), 1)
	assert.Empty(t, signals(t, a))
}

func TestSignalWithoutTargetIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")

	err := f.bus.Signal(a, proto.Signal{Type: "offer"})
	assert.ErrorIs(t, err, ErrUnroutable)

	var perr proto.ErrorPayload
	require.True(t, transporttest.Find(t, a, proto.OutSignalError, &perr))
	assert.Equal(t, `No room joined and no "to" specified`, perr.Message)
	assert.Equal(t, 1, gathered(t, f.reg, "xrlink_routing_errors_total"))
}

func TestQualityBatchSignalIsRecordedNotRelayed(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	b := f.device("XR-2", "pair:XR-1:XR-2")

	samples := []proto.QualityInput{{TS: proto.N(1), RttMs: proto.N(20)}, {TS: proto.N(2), RttMs: proto.N(25)}}
	require.NoError(t, f.bus.Signal(a, proto.Signal{Type: proto.SignalQualityBatch, DeviceID: "XR-1", Samples: samples}))
	require.NoError(t, f.bus.Signal(a, proto.Signal{Type: proto.SignalQualityBatch, DeviceID: "XR-1"}))

	assert.Len(t, f.quality.calls["XR-1"], 2)
	assert.Empty(t, signals(t, b))
	assert.False(t, transporttest.Find(t, a, proto.OutSignalError, nil))
}

func TestControlCarriesBothKeys(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	b := f.device("XR-2", "pair:XR-1:XR-2")
	dash := transporttest.Conn(f.hub)

	f.bus.Control(a, proto.Control{Action: "mute", From: "XR-1", Message: "hi"})
	for _, c := range []*transport.Conn{a, b} {
		var out map[string]any
		require.True(t, transporttest.Find(t, c, proto.EvControl, &out), "room includes the sender")
		assert.Equal(t, "mute", out["command"])
		assert.Equal(t, "mute", out["action"])
		assert.Equal(t, "XR-1", out["from"])
		assert.Equal(t, "hi", out["message"])
	}
	assert.False(t, transporttest.Find(t, dash, proto.EvControl, nil))

	lone := f.device("XR-9", "")
	f.bus.Control(lone, proto.Control{Command: "start_stream"})
	assert.True(t, transporttest.Find(t, dash, proto.EvControl, nil), "no room means global")
}

func TestStatusReportTimestamped(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	dash := transporttest.Conn(f.hub)

	f.bus.Status(a, proto.StatusReport{From: "XR-1", Status: "recording"})
	var out proto.StatusOut
	require.True(t, transporttest.Find(t, dash, proto.EvStatusReport, &out))
	assert.Equal(t, proto.StatusOut{Type: "status_report", From: "XR-1", Status: "recording", Timestamp: "2025-03-01T12:00:00.000Z"}, out)
}

func TestMessageRecordAndRouting(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	dash := transporttest.Conn(f.hub)

	f.bus.Message(a, proto.Message{From: "XR-1", Text: "hello", Urgent: true})

	var rec proto.MessageRecord
	require.True(t, transporttest.Find(t, dash, proto.EvMessage, &rec))
	assert.Equal(t, proto.MessageRecord{
		Type:      "message",
		From:      "XR-1",
		Text:      "hello",
		Urgent:    true,
		Sender:    "XR-1-name",
		XRID:      "XR-1",
		Timestamp: "2025-03-01T12:00:00.000Z",
		ID:        fixedNow.UnixMilli(),
	}, rec)
	assert.False(t, transporttest.Find(t, a, proto.EvMessage, nil), "global relay skips the sender")

	anon := transporttest.Conn(f.hub)
	f.bus.Message(anon, proto.Message{Text: "who", Timestamp: "client-ts"})
	hist := f.bus.RecentMessages()
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "unknown", hist.Messages[1].Sender)
	assert.Equal(t, "client-ts", hist.Messages[1].Timestamp)
}

func TestMessageInRoomIncludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	dash := transporttest.Conn(f.hub)

	f.bus.Message(a, proto.Message{From: "XR-1", Text: "in room"})
	assert.True(t, transporttest.Find(t, a, proto.EvMessage, nil))
	assert.False(t, transporttest.Find(t, dash, proto.EvMessage, nil))
}

func TestReplayIsLastTenOldestFirst(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	assert.False(t, f.bus.HasMessages())
	for i := 0; i < 12; i++ {
		f.bus.Message(a, proto.Message{From: "XR-1", Text: fmt.Sprintf("m%d", i)})
	}
	hist := f.bus.RecentMessages()
	assert.Equal(t, "message_history", hist.Type)
	require.Len(t, hist.Messages, 10)
	assert.Equal(t, "m2", hist.Messages[0].Text)
	assert.Equal(t, "m11", hist.Messages[9].Text)
	assert.True(t, f.bus.HasMessages())
}

func TestMessageBufferKeepsNewestHundred(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	for i := 0; i <= 100; i++ {
		f.bus.Message(a, proto.Message{From: "XR-1", Text: fmt.Sprintf("m%d", i)})
	}

	stored := f.bus.messages.Snapshot()
	require.Len(t, stored, 100)
	assert.Equal(t, "m1", stored[0].Text)
	assert.Equal(t, "m100", stored[99].Text)
	for _, m := range stored {
		assert.NotEqual(t, "m0", m.Text)
	}
	require.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(`
# HELP xrlink_message_history_len Chat records held in the bounded history buffer.
# TYPE xrlink_message_history_len gauge
xrlink_message_history_len 100
`), "xrlink_message_history_len"))
}

func TestClearDoesNotPurge(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "")
	dash := transporttest.Conn(f.hub)
	f.bus.Message(a, proto.Message{Text: "keep"})
	transporttest.Drain(t, dash)

	f.bus.ClearMessages("admin")
	var cleared proto.MessagesCleared
	require.True(t, transporttest.Find(t, a, proto.OutMessageClearedDash, &cleared))
	assert.Equal(t, proto.MessagesCleared{Type: "message-cleared", By: "admin", MessageID: fixedNow.UnixMilli()}, cleared)

	f.bus.ClearConfirmation("XR-1")
	var confirmed proto.ClearConfirmed
	require.True(t, transporttest.Find(t, dash, proto.OutMessageCleared, &confirmed))
	assert.Equal(t, "XR-1", confirmed.By)
	assert.Equal(t, "message_cleared", confirmed.Type)

	assert.Len(t, f.bus.RecentMessages().Messages, 1)
}

func TestTranscriptGoesToConsoleNotHistory(t *testing.T) {
	f := newFixture(t)
	room := "pair:XR-1:XR-2"
	a := f.device("XR-1", room)
	b := f.device("XR-2", room)

	f.bus.Message(a, proto.Message{Type: "transcript", From: "XR-1", Text: "partial", Final: false})
	got := signals(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, proto.SignalTranscript, got[0].Type)
	var out proto.TranscriptOut
	require.NoError(t, json.Unmarshal(got[0].Data, &out))
	assert.Equal(t, "transcript", out.Type)
	assert.Equal(t, "partial", out.Text)
	assert.False(t, out.Final)
	assert.False(t, f.bus.HasMessages())

	lone := f.device("XR-5", "")
	f.bus.Message(lone, proto.Message{Type: "transcript", Text: "nowhere"})
	assert.Empty(t, signals(t, b))
}

func TestFinalTranscriptProducesNoteAndAvailability(t *testing.T) {
	f := newFixture(t)
	room := "pair:XR-1:XR-2"
	a := f.device("XR-1", room)
	b := f.device("XR-2", room)
	dash := transporttest.Conn(f.hub)

	gen := &fakeNotes{note: notes.Note{Medication: []string{"Amoxicillin 500 mg", "Ibuprofen"}}, got: make(chan string, 1)}
	checker := &fakeDrugs{}
	f.bus.SetEnrichment(gen, checker)

	f.bus.Message(a, proto.Message{Type: "transcript", From: "XR-1", Text: "take amoxicillin", Final: true})
	assert.Equal(t, "take amoxicillin", <-gen.got)
	f.bus.Wait()

	sigs := signals(t, b)
	var types []string
	for _, s := range sigs {
		types = append(types, s.Type)
	}
	assert.Equal(t, []string{proto.SignalTranscript, proto.SignalSoapNote, proto.SignalDrugConsole, proto.SignalDrugAvailability}, types)

	var note notes.Note
	require.NoError(t, json.Unmarshal(sigs[1].Data, &note))
	assert.Equal(t, []string{"Amoxicillin 500 mg", "Ibuprofen"}, note.Medication)

	var results []drugs.Result
	require.NoError(t, json.Unmarshal(sigs[2].Data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "Amoxicillin", results[0].Query)

	avail := waitSignal(t, dash, proto.SignalDrugAvailability)
	assert.Equal(t, "XR-1", avail.From)
}

func TestNoteFailureSkipsLookupAndCounts(t *testing.T) {
	f := newFixture(t)
	room := "pair:XR-1:XR-2"
	a := f.device("XR-1", room)
	f.device("XR-2", room)

	checker := &fakeDrugs{}
	f.bus.SetEnrichment(&fakeNotes{err: errors.New("llm down")}, checker)
	f.bus.Message(a, proto.Message{Type: "transcript", From: "XR-1", Text: "hello", Final: true})
	f.bus.Wait()

	note := waitSignal(t, a, proto.SignalSoapNote)
	var n notes.Note
	require.NoError(t, json.Unmarshal(note.Data, &n))
	assert.Equal(t, notes.ErrorNote(), n)
	assert.Empty(t, checker.meds)
	assert.Equal(t, 1, gathered(t, f.reg, "xrlink_collaborator_failures_total"))
}

func TestEmptyFinalTranscriptDoesNotEnrich(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	gen := &fakeNotes{got: make(chan string, 1)}
	f.bus.SetEnrichment(gen, nil)

	f.bus.Message(a, proto.Message{Type: "transcript", Text: "   ", Final: true})
	f.bus.Wait()
	assert.Empty(t, gen.got)
}

const minimalSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestMalformedNegotiationIsCountedAndRelayed(t *testing.T) {
	f := newFixture(t)
	a := f.device("XR-1", "pair:XR-1:XR-2")
	b := f.device("XR-2", "pair:XR-1:XR-2")

	offer, _ := json.Marshal(map[string]string{"type": "offer", "sdp": minimalSDP})
	sent := []proto.Signal{
		{Type: "offer", From: "XR-1", Data: offer},
		{Type: "answer", From: "XR-1", Data: offer},
		{Type: "candidate", From: "XR-1", Data: json.RawMessage(`{"candidate":"candidate:1"}`)},
		{Type: "candidate", From: "XR-1", Data: json.RawMessage(`{"candidate":""}`)},
		{Type: "hangup", From: "XR-1", Data: json.RawMessage(`"not sdp"`)},
	}
	for _, s := range sent {
		require.NoError(t, f.bus.Signal(a, s))
	}

	got := signals(t, b)
	require.Len(t, got, len(sent), "malformed envelopes are still relayed")
	assert.Equal(t, "answer", got[1].Type)
	assert.JSONEq(t, string(offer), string(got[1].Data))

	require.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(`
# HELP xrlink_negotiation_malformed_total Relayed offers, answers and candidates that failed to parse, by type.
# TYPE xrlink_negotiation_malformed_total counter
xrlink_negotiation_malformed_total{type="answer"} 1
xrlink_negotiation_malformed_total{type="candidate"} 1
`), "xrlink_negotiation_malformed_total"))
}

func TestNegotiationChecks(t *testing.T) {
	offer, _ := json.Marshal(map[string]string{"type": "offer", "sdp": minimalSDP})
	assert.NoError(t, checkSDP("offer", offer))

	quoted, _ := json.Marshal(string(offer))
	assert.NoError(t, checkSDP("offer", quoted), "string-encoded payload")

	bare, _ := json.Marshal(minimalSDP)
	assert.NoError(t, checkSDP("answer", bare))

	assert.Error(t, checkSDP("answer", offer), "type mismatch")
	assert.Error(t, checkSDP("offer", nil))

	good := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	assert.NoError(t, checkCandidate(good))
	assert.NoError(t, checkCandidate(json.RawMessage(`{"candidate":""}`)), "end of candidates")
	assert.Error(t, checkCandidate(json.RawMessage(`{"candidate":"candidate:1"}`)))
	assert.Error(t, checkCandidate(json.RawMessage(`[1,2]`)))
}
