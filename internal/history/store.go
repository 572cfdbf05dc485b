// Package history keeps per-device telemetry and quality series inside a
// trailing time window and fans new samples out to metric subscribers.
package history

import (
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/proto"
)

// DefaultWindow is how far back samples are retained.
const DefaultWindow = 24 * time.Hour

type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindQuality   Kind = "quality"
)

// Sample is a timestamped point of a series.
type Sample interface {
	Timestamp() int64
}

// Series is an arrival-ordered list of samples per device. Every append
// evicts from the front the samples older than the window.
type Series[T Sample] struct {
	window time.Duration
	now    func() time.Time

	mu   sync.RWMutex
	data map[string][]T
}

func NewSeries[T Sample](window time.Duration) *Series[T] {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Series[T]{
		window: window,
		now:    time.Now,
		data:   make(map[string][]T),
	}
}

// Append keeps arrival order. Eviction stops at the first sample inside the
// window, so a client-stamped sample older than the window that arrives
// behind newer ones stays until the samples ahead of it age out.
func (s *Series[T]) Append(deviceID string, sample T) {
	cutoff := s.now().Add(-s.window).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.data[deviceID], sample)
	drop := 0
	for drop < len(list) && list[drop].Timestamp() < cutoff {
		drop++
	}
	if drop > 0 {
		list = append([]T(nil), list[drop:]...)
	}
	s.data[deviceID] = list
}

// Get returns a copy of the device's series, oldest first. It is never nil.
func (s *Series[T]) Get(deviceID string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]T, 0, len(s.data[deviceID])), s.data[deviceID]...)
}

func (s *Series[T]) Len(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[deviceID])
}

// Store holds both series kinds.
type Store struct {
	Telemetry *Series[proto.TelemetrySample]
	Quality   *Series[proto.QualitySample]
}

func NewStore(window time.Duration) *Store {
	return &Store{
		Telemetry: NewSeries[proto.TelemetrySample](window),
		Quality:   NewSeries[proto.QualitySample](window),
	}
}

// SetClock replaces the time source of both series.
func (st *Store) SetClock(now func() time.Time) {
	st.Telemetry.now = now
	st.Quality.now = now
}

// Snapshot is the full history of one device.
func (st *Store) Snapshot(deviceID string) proto.MetricsSnapshot {
	return proto.MetricsSnapshot{
		XRID:      deviceID,
		Telemetry: st.Telemetry.Get(deviceID),
		Quality:   st.Quality.Get(deviceID),
	}
}
