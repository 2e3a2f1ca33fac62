package server

import (
	"sync"
	"time"

	"github.com/shaunagostinho/strikenet/internal/strike"
)

const stormWindow = 15 * time.Minute

// StormData is the rolling storm summary sent to clients.
type StormData struct {
	Strikes   int     `json:"strikes"`   // in window
	Rate      float64 `json:"rate"`      // strikes per minute
	NearestKM int     `json:"nearestKm"` // -1 when nothing in range
	Trend     string  `json:"trend"`     // "approaching", "receding", "steady" or "none"
	Overhead  bool    `json:"overhead"`
}

type sample struct {
	at       time.Time
	distance uint8
}

// tracker keeps the strikes of the last window and summarises them.
type tracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample // oldest first
}

func newTracker(window time.Duration) *tracker {
	return &tracker{window: window}
}

func (t *tracker) add(e strike.Event) StormData {
	at := e.Received
	if at.IsZero() {
		at = time.Now()
	}
	t.mu.Lock()
	t.samples = append(t.samples, sample{at: at, distance: e.DistanceKM})
	t.mu.Unlock()
	return t.snapshot(at)
}

func (t *tracker) snapshot(now time.Time) StormData {
	t.mu.Lock()
	defer t.mu.Unlock()

	cut := 0
	for cut < len(t.samples) && now.Sub(t.samples[cut].at) > t.window {
		cut++
	}
	t.samples = t.samples[cut:]

	d := StormData{
		Strikes:   len(t.samples),
		Rate:      float64(len(t.samples)) / t.window.Minutes(),
		NearestKM: -1,
		Trend:     "none",
	}

	// Trend compares the nearest strike of the older and newer half.
	half := now.Add(-t.window / 2)
	older, newer := -1, -1
	for _, s := range t.samples {
		if s.distance == strike.DistanceOutOfRange {
			continue
		}
		km := int(s.distance)
		if s.distance == strike.DistanceOverhead {
			d.Overhead = true
			km = 0
		}
		if d.NearestKM < 0 || km < d.NearestKM {
			d.NearestKM = km
		}
		if s.at.Before(half) {
			older = nearer(older, km)
		} else {
			newer = nearer(newer, km)
		}
	}

	switch {
	case older < 0 || newer < 0:
		if d.NearestKM >= 0 {
			d.Trend = "steady"
		}
	case newer < older:
		d.Trend = "approaching"
	case newer > older:
		d.Trend = "receding"
	default:
		d.Trend = "steady"
	}
	return d
}

func nearer(cur, km int) int {
	if cur < 0 || km < cur {
		return km
	}
	return cur
}
