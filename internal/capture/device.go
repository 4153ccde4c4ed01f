package capture

import "context"

// SourceRate is the native rate of the audio processing context.
const SourceRate = 48000

// TargetRate is the transmission rate expected by the server.
const TargetRate = 16000

// Constraints are the processing options requested when acquiring the
// microphone.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints enables the full cleanup chain for live speech.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Source is a live microphone stream. Start begins delivering float32
// blocks at SourceRate on the audio subsystem's own goroutine; the callback
// must not block.
type Source interface {
	Start(fn func(block []float32)) error
	Stop() error
}

// Device acquires microphone sources. Acquisition may require user consent
// and can fail with a permission error.
type Device interface {
	Acquire(ctx context.Context, c Constraints) (Source, error)
}
