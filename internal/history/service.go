package history

import (
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("history")

// Emitter is the part of the transport hub the service talks to.
type Emitter interface {
	Join(c *transport.Conn, room string) bool
	Leave(c *transport.Conn, room string)
	Send(c *transport.Conn, event string, data any)
	ToRoom(room, event string, data any)
	Broadcast(event string, data any)
}

// Service records incoming metrics. Each append pushes the new samples to
// the device's metrics room and broadcasts the latest summary to every
// dashboard.
type Service struct {
	hub   Emitter
	store *Store
	now   func() time.Time

	mu        sync.RWMutex
	telemetry map[string]proto.TelemetryRecord
	quality   map[string]proto.QualitySnapshot
	battery   map[string]proto.BatterySnapshot
}

func NewService(hub Emitter, store *Store) *Service {
	return &Service{
		hub:       hub,
		store:     store,
		now:       time.Now,
		telemetry: make(map[string]proto.TelemetryRecord),
		quality:   make(map[string]proto.QualitySnapshot),
		battery:   make(map[string]proto.BatterySnapshot),
	}
}

// SetClock replaces the time source for arrival stamps and window eviction.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.store.SetClock(now)
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) nowMillis() int64 { return s.now().UnixMilli() }

// Subscribe adds c to the device's interest group and replies with the full
// history of that device.
func (s *Service) Subscribe(c *transport.Conn, xrID string) {
	if xrID == "" {
		return
	}
	s.hub.Join(c, proto.MetricsRoom(xrID))
	s.hub.Send(c, proto.OutMetricsSnapshot, s.store.Snapshot(xrID))
}

func (s *Service) Unsubscribe(c *transport.Conn, xrID string) {
	if xrID == "" {
		return
	}
	s.hub.Leave(c, proto.MetricsRoom(xrID))
}

// RecordTelemetry stores a telemetry report sent over the websocket. The
// payload id wins over fallbackID (the sender's identity); it reports false
// when neither is set.
func (s *Service) RecordTelemetry(t proto.Telemetry, fallbackID string) bool {
	id := t.XRID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return false
	}
	s.recordTelemetry(id, t, "none")
	return true
}

// RecordDesktopTelemetry stores a report posted to /desktop-telemetry.
func (s *Service) RecordDesktopTelemetry(t proto.Telemetry) {
	if t.XRID == "" {
		return
	}
	s.recordTelemetry(t.XRID, t, "other")
}

func (s *Service) recordTelemetry(id string, t proto.Telemetry, defaultConnType string) {
	connType := t.ConnType
	if connType == "" {
		connType = defaultConnType
	}
	rec := proto.TelemetryRecord{
		XRID:        id,
		ConnType:    connType,
		WifiDbm:     t.WifiDbm,
		WifiMbps:    t.WifiMbps,
		WifiBars:    t.WifiBars,
		CellDbm:     t.CellDbm,
		CellBars:    t.CellBars,
		NetDownMbps: t.NetDownMbps,
		NetUpMbps:   t.NetUpMbps,
		CPUPct:      t.CPUPct,
		MemUsedMb:   t.MemUsedMb,
		MemTotalMb:  t.MemTotalMb,
		DeviceTempC: t.DeviceTempC,
		TS:          s.nowMillis(),
	}

	s.mu.Lock()
	s.telemetry[id] = rec
	batteryPct := s.battery[id].Pct
	s.mu.Unlock()

	sample := proto.TelemetrySample{
		TS:          rec.TS,
		ConnType:    rec.ConnType,
		WifiMbps:    rec.WifiMbps,
		NetDownMbps: rec.NetDownMbps,
		NetUpMbps:   rec.NetUpMbps,
		BatteryPct:  batteryPct,
		CPUPct:      rec.CPUPct,
		MemUsedMb:   rec.MemUsedMb,
		MemTotalMb:  rec.MemTotalMb,
		DeviceTempC: rec.DeviceTempC,
	}
	s.store.Telemetry.Append(id, sample)

	s.hub.ToRoom(proto.MetricsRoom(id), proto.OutMetricsUpdate, proto.MetricsUpdate{
		XRID:      id,
		Telemetry: []proto.TelemetrySample{sample},
	})
	s.hub.Broadcast(proto.OutTelemetryUpdate, rec)
	log.Debugw("telemetry", "xrId", id, "connType", connType)
}

// RecordQuality stores one webrtc_quality report.
func (s *Service) RecordQuality(q proto.WebRTCQuality, fallbackID string) bool {
	id := q.XRID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return false
	}

	snap := proto.QualitySnapshot{
		XRID:        id,
		TS:          q.TS.Millis(s.nowMillis()),
		JitterMs:    q.JitterMs,
		LossPct:     q.LossPct,
		RttMs:       q.RttMs,
		FPS:         q.FPS,
		Dropped:     q.Dropped,
		NackCount:   q.NackCount,
		BitrateKbps: q.BitrateKbps,
	}

	s.mu.Lock()
	s.quality[id] = snap
	s.mu.Unlock()

	sample := proto.QualitySample{
		TS:          snap.TS,
		JitterMs:    snap.JitterMs,
		RttMs:       snap.RttMs,
		LossPct:     snap.LossPct,
		BitrateKbps: snap.BitrateKbps,
	}
	s.store.Quality.Append(id, sample)

	s.hub.ToRoom(proto.MetricsRoom(id), proto.OutMetricsUpdate, proto.MetricsUpdate{
		XRID:    id,
		Quality: []proto.QualitySample{sample},
	})
	s.hub.Broadcast(proto.OutWebRTCQualityUpdate, s.LatestQuality())
	return true
}

// RecordQualityBatch stores the samples of a batched quality signal. The
// batch is broadcast as-is instead of the latest-snapshot list.
func (s *Service) RecordQualityBatch(deviceID string, in []proto.QualityInput) bool {
	if deviceID == "" || len(in) == 0 {
		return false
	}
	arrival := s.nowMillis()
	samples := make([]proto.QualitySample, 0, len(in))
	for _, q := range in {
		sample := proto.QualitySample{
			TS:          q.TS.Millis(arrival),
			JitterMs:    q.JitterMs,
			RttMs:       q.RttMs,
			LossPct:     q.LossPct,
			BitrateKbps: q.BitrateKbps,
		}
		s.store.Quality.Append(deviceID, sample)
		samples = append(samples, sample)
	}

	s.hub.ToRoom(proto.MetricsRoom(deviceID), proto.OutMetricsUpdate, proto.MetricsUpdate{
		XRID:    deviceID,
		Quality: samples,
	})
	s.hub.Broadcast(proto.OutWebRTCQualityUpdate, proto.QualityBatch{DeviceID: deviceID, Samples: samples})
	log.Debugw("quality batch", "deviceId", deviceID, "samples", len(samples))
	return true
}

// RecordBattery overwrites the device's battery snapshot.
func (s *Service) RecordBattery(b proto.Battery, fallbackID string) bool {
	id := b.XRID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return false
	}
	snap := proto.BatterySnapshot{
		Pct:      b.BatteryPct.Clamp(0, 100),
		Charging: b.Charging,
		TS:       s.nowMillis(),
	}

	s.mu.Lock()
	s.battery[id] = snap
	s.mu.Unlock()

	s.hub.Broadcast(proto.OutBatteryUpdate, proto.BatteryUpdate{
		XRID:     id,
		Pct:      snap.Pct,
		Charging: snap.Charging,
		TS:       snap.TS,
	})
	log.Debugw("battery", "xrId", id, "pct", snap.Pct, "charging", snap.Charging)
	return true
}

func (s *Service) LatestTelemetry(xrID string) (proto.TelemetryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.telemetry[xrID]
	return rec, ok
}

func (s *Service) Battery(xrID string) (proto.BatterySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.battery[xrID]
	return b, ok
}

// LatestQuality lists the newest quality snapshot of every device, ordered
// by device id.
func (s *Service) LatestQuality() []proto.QualitySnapshot {
	s.mu.RLock()
	out := make([]proto.QualitySnapshot, 0, len(s.quality))
	for _, q := range s.quality {
		out = append(out, q)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].XRID < out[j].XRID })
	return out
}
