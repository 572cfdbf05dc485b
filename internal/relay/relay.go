// Package relay routes signaling, control, status and chat traffic between
// sessions and keeps the bounded chat history.
//
// Targets are resolved in one order everywhere: an explicit "to" identity
// reaches that identity's device room, otherwise the sender's pair room,
// otherwise everyone.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/drugs"
	"github.com/petervdpas/xrlink/internal/notes"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"
	"github.com/petervdpas/xrlink/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("relay")

// ErrUnroutable is returned for a signal with no "to" from a session that
// is not in a room.
var ErrUnroutable = errors.New("relay: no room joined and no target")

const unroutableMessage = `No room joined and no "to" specified`

// Hub is the emitting side of the transport.
type Hub interface {
	Send(c *transport.Conn, event string, data any)
	ToRoom(room, event string, data any)
	ToRoomExcept(room string, c *transport.Conn, event string, data any)
	Broadcast(event string, data any)
	BroadcastExcept(c *transport.Conn, event string, data any)
}

// QualityRecorder stores batched quality samples carried by a signal.
type QualityRecorder interface {
	RecordQualityBatch(deviceID string, samples []proto.QualityInput) bool
}

type NoteGenerator interface {
	Generate(ctx context.Context, transcript string) (notes.Note, error)
}

type DrugChecker interface {
	CheckMedications(ctx context.Context, meds []string) []drugs.Result
}

type Options struct {
	BufferSize  int
	ReplayCount int

	// Upper bound for note generation plus drug lookup of one transcript.
	EnrichTimeout time.Duration
}

type Bus struct {
	hub     Hub
	quality QualityRecorder
	metrics *observability.Metrics
	opts    Options
	now     func() time.Time

	notes NoteGenerator
	drugs DrugChecker

	messages *util.RingBuffer[proto.MessageRecord]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(hub Hub, quality QualityRecorder, metrics *observability.Metrics, opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.ReplayCount <= 0 || opts.ReplayCount > opts.BufferSize {
		opts.ReplayCount = 10
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 90 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		hub:      hub,
		quality:  quality,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
		messages: util.NewRingBuffer[proto.MessageRecord](opts.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetEnrichment attaches the collaborators used for final transcripts.
// Either may be nil: without a generator transcripts are only forwarded,
// without a checker notes are sent without availability results.
func (b *Bus) SetEnrichment(gen NoteGenerator, checker DrugChecker) {
	b.notes = gen
	b.drugs = checker
}

func (b *Bus) SetClock(now func() time.Time) { b.now = now }

// Close cancels running enrichment and waits for it to finish.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

// Wait blocks until background enrichment started so far has finished.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) nowISO() string { return proto.ISOTime(b.now()) }

// Signal relays a negotiation envelope. A batched quality report is
// recorded and never relayed.
func (b *Bus) Signal(c *transport.Conn, s proto.Signal) error {
	if s.Type == proto.SignalQualityBatch {
		if !b.quality.RecordQualityBatch(s.DeviceID, s.Samples) {
			log.Debugw("quality batch without device or samples", "conn", c.ID())
		}
		return nil
	}

	if !inspectNegotiation(s) {
		b.metrics.MalformedNegotiation(s.Type)
	}
	out := proto.SignalOut{Type: s.Type, From: s.From, Data: proto.RawData(s.Data)}

	if s.To != "" {
		b.hub.ToRoom(proto.DeviceRoom(s.To), proto.EvSignal, out)
		return nil
	}
	if room := c.RoomID(); room != "" {
		b.hub.ToRoomExcept(room, c, proto.EvSignal, out)
		return nil
	}

	log.Warnw("signal dropped, no room and no target", "conn", c.Label(), "type", s.Type)
	b.metrics.RoutingError("signal")
	b.hub.Send(c, proto.OutSignalError, proto.ErrorPayload{Message: unroutableMessage})
	return ErrUnroutable
}

// Control relays a command. The room includes the sender.
func (b *Bus) Control(c *transport.Conn, ctl proto.Control) {
	name := ctl.Name()
	out := proto.ControlOut{Command: name, Action: name, From: ctl.From, Message: ctl.Message}
	switch room := c.RoomID(); {
	case ctl.To != "":
		b.hub.ToRoom(proto.DeviceRoom(ctl.To), proto.EvControl, out)
	case room != "":
		b.hub.ToRoom(room, proto.EvControl, out)
	default:
		b.hub.Broadcast(proto.EvControl, out)
	}
	log.Debugw("control", "command", name, "from", ctl.From, "to", ctl.To)
}

func (b *Bus) Status(c *transport.Conn, s proto.StatusReport) {
	out := proto.StatusOut{Type: proto.EvStatusReport, From: s.From, Status: s.Status, Timestamp: b.nowISO()}
	if room := c.RoomID(); room != "" {
		b.hub.ToRoom(room, proto.EvStatusReport, out)
		return
	}
	b.hub.Broadcast(proto.EvStatusReport, out)
}

// Message stores and relays a chat message, or forwards a transcript to
// the console and starts note generation when it is final.
func (b *Bus) Message(c *transport.Conn, m proto.Message) {
	ts := m.Timestamp
	if ts == "" {
		ts = b.nowISO()
	}
	if m.Type == proto.MessageTypeTranscript {
		b.transcript(c, m, ts)
		return
	}

	sender := c.DeviceName()
	if sender == "" {
		sender = m.From
	}
	if sender == "" {
		sender = "unknown"
	}
	rec := proto.MessageRecord{
		Type:      proto.MessageTypeMessage,
		From:      m.From,
		To:        m.To,
		Text:      m.Text,
		Urgent:    m.Urgent,
		Sender:    sender,
		XRID:      m.From,
		Timestamp: ts,
		ID:        b.now().UnixMilli(),
	}
	b.messages.Push(rec)
	b.metrics.MessagesStored(b.messages.Len())

	switch room := c.RoomID(); {
	case m.To != "":
		b.hub.ToRoom(proto.DeviceRoom(m.To), proto.EvMessage, rec)
	case room != "":
		b.hub.ToRoom(room, proto.EvMessage, rec)
	default:
		b.hub.BroadcastExcept(c, proto.EvMessage, rec)
	}
}

func (b *Bus) transcript(c *transport.Conn, m proto.Message, ts string) {
	out := proto.SignalOut{
		Type: proto.SignalTranscript,
		From: m.From,
		Data: proto.TranscriptOut{
			Type:      proto.MessageTypeTranscript,
			From:      m.From,
			To:        m.To,
			Text:      m.Text,
			Final:     m.Final,
			Timestamp: ts,
		},
	}
	room := c.RoomID()
	switch {
	case m.To != "":
		b.hub.ToRoom(proto.DeviceRoom(m.To), proto.EvSignal, out)
	case room != "":
		b.hub.ToRoom(room, proto.EvSignal, out)
	default:
		log.Debugw("transcript without room or target", "conn", c.Label())
	}

	if !m.Final || strings.TrimSpace(m.Text) == "" {
		return
	}
	// Notes go to the console in the sender's room first.
	target := room
	if target == "" && m.To != "" {
		target = proto.DeviceRoom(m.To)
	}
	b.enrich(target, m.From, m.Text)
}

// enrich generates a note for text and checks its medication in the
// background. Results are emitted as they become available.
func (b *Bus) enrich(target, from, text string) {
	if b.notes == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("enrichment panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(b.ctx, b.opts.EnrichTimeout)
		defer cancel()

		note, err := b.notes.Generate(ctx, text)
		if err != nil {
			b.metrics.CollaboratorFailure("notes")
		}
		if target != "" {
			b.hub.ToRoom(target, proto.EvSignal, proto.SignalOut{Type: proto.SignalSoapNote, From: from, Data: note})
		}
		if err != nil || b.drugs == nil {
			return
		}

		results := b.drugs.CheckMedications(ctx, note.Medication)
		if drugs.Failed(results) {
			b.metrics.CollaboratorFailure("drugs")
		}
		if target != "" {
			b.hub.ToRoom(target, proto.EvSignal, proto.SignalOut{Type: proto.SignalDrugConsole, From: from, Data: results})
		}
		b.hub.Broadcast(proto.EvSignal, proto.SignalOut{Type: proto.SignalDrugAvailability, From: from, Data: results})
	}()
}

// ClearMessages announces a dashboard clear. History is kept.
func (b *Bus) ClearMessages(by string) {
	b.hub.Broadcast(proto.OutMessageClearedDash, proto.MessagesCleared{
		Type:      proto.OutMessageClearedDash,
		By:        by,
		MessageID: b.now().UnixMilli(),
	})
}

// ClearConfirmation announces that a device cleared its messages.
func (b *Bus) ClearConfirmation(device string) {
	b.hub.Broadcast(proto.OutMessageCleared, proto.ClearConfirmed{
		Type:      proto.OutMessageCleared,
		By:        device,
		Timestamp: b.nowISO(),
	})
}

// RecentMessages returns the replay window, oldest first.
func (b *Bus) RecentMessages() proto.MessageHistory {
	return proto.MessageHistory{Type: proto.EvMessageHistory, Messages: b.messages.Last(b.opts.ReplayCount)}
}

func (b *Bus) HasMessages() bool { return b.messages.Len() > 0 }
