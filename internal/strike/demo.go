package strike

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoSource generates a simulated storm for development and testing: the
// cell drifts in from out of range, passes overhead and moves away again.
type DemoSource struct {
	mu       sync.Mutex
	id       uint8
	min, max time.Duration
	rng      *rand.Rand
	t        float64 // storm phase, 0..1 is one pass
	last     time.Time
}

// NewDemoSource returns a source that reports as detector id, waiting a
// random interval in [min, max) between strikes.
func NewDemoSource(id uint8, min, max time.Duration) *DemoSource {
	if min <= 0 {
		min = time.Second
	}
	if max <= min {
		max = min + time.Millisecond
	}
	return &DemoSource{
		id:   id,
		min:  min,
		max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		last: time.Now(),
	}
}

func (d *DemoSource) Name() string { return "Demo (Simulated)" }
func (d *DemoSource) Close() error { return nil }

func (d *DemoSource) Next(ctx context.Context) (Record, error) {
	d.mu.Lock()
	wait := d.min + time.Duration(d.rng.Int63n(int64(d.max-d.min)))
	d.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-timer.C:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.02
	if d.t > 1 {
		d.t = 0
	}
	now := time.Now()
	r := Record{
		DetectorID:  d.id,
		DistanceKM:  d.distance(),
		SinceLastMS: uint32(now.Sub(d.last) / time.Millisecond),
	}
	d.last = now
	return r, nil
}

// distance follows the AS3935's reporting steps between 40 km and overhead.
func (d *DemoSource) distance() uint8 {
	km := 40 * math.Abs(math.Cos(d.t*math.Pi))
	km += d.rng.Float64()*4 - 2
	switch {
	case km > 40:
		return DistanceOutOfRange
	case km < 5:
		return DistanceOverhead
	}
	for _, step := range []uint8{5, 6, 8, 10, 12, 14, 17, 20, 24, 27, 31, 34, 37, 40} {
		if km <= float64(step) {
			return step
		}
	}
	return 40
}
