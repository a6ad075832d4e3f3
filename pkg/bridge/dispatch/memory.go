package dispatch

import (
	"sync"
	"time"

	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

// Memory is the per-conversation scratch space that function handlers read
// and write. Only the latest itinerary is kept.
type Memory struct {
	mu        sync.RWMutex
	itinerary *itinerary.Itinerary
	city      string
	days      int
	updatedAt time.Time
}

// TripSnapshot is a copy of the stored trip.
type TripSnapshot struct {
	Itinerary *itinerary.Itinerary
	City      string
	Days      int
	UpdatedAt time.Time
}

func (m *Memory) SetItinerary(it *itinerary.Itinerary, city string, days int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itinerary = it.Clone()
	m.city = city
	m.days = days
	m.updatedAt = time.Now()
}

// Trip returns the stored itinerary, if any.
func (m *Memory) Trip() (TripSnapshot, bool) {
	if m == nil {
		return TripSnapshot{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.itinerary == nil {
		return TripSnapshot{}, false
	}
	return TripSnapshot{
		Itinerary: m.itinerary.Clone(),
		City:      m.city,
		Days:      m.days,
		UpdatedAt: m.updatedAt,
	}, true
}

func (m *Memory) HasItinerary() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.itinerary != nil
}

func (m *Memory) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itinerary = nil
	m.city = ""
	m.days = 0
	m.updatedAt = time.Time{}
}
