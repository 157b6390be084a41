package client

import "context"

// MediaStream is a captured local media source. Stop releases the devices;
// it must be safe to call more than once.
type MediaStream interface {
	Stop()
}

// MediaSource acquires local audio/video. Acquisition may take observable
// wall-clock time (permission prompts, device warm-up), so the controller
// always calls it off the event loop.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// NoMedia is a MediaSource for signal-only endpoints: demos, tests, and
// clients that attach their media elsewhere.
type NoMedia struct{}

func (NoMedia) Acquire(ctx context.Context) (MediaStream, error) {
	return inertStream{}, nil
}

type inertStream struct{}

func (inertStream) Stop() {}
