package strike

import "context"

// Source is the interface that strike detectors implement. The collector
// reads from exactly one.
type Source interface {
	// Name returns the human-readable name of this source.
	Name() string
	// Next blocks until the detector reports a strike or ctx ends.
	Next(ctx context.Context) (Record, error)
	// Close releases the detector.
	Close() error
}
