package playback

import "time"

// Sink renders normalized float32 samples to the audio output device.
// Write blocks only long enough to hand the buffer to the device.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Clock abstracts scheduling time so the drain loop is testable. After
// mirrors time.After against the same time source as Now and Sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock returns the wall clock used outside tests.
func NewRealClock() Clock {
	return realClock{}
}
