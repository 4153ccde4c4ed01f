package audio

// FrameSamples is the fixed transmission frame size: 20ms at 16kHz.
const FrameSamples = 320

// Chunker accumulates PCM16 samples and cuts them into fixed-size frames.
// Partial remainders stay buffered until the next Push fills them.
type Chunker struct {
	frameSize int
	buf       []int16
}

func NewChunker(frameSize int) *Chunker {
	if frameSize <= 0 {
		frameSize = FrameSamples
	}
	return &Chunker{frameSize: frameSize}
}

// Push appends samples and returns every complete frame now available.
// Returned frames are independent copies.
func (c *Chunker) Push(samples []int16) [][]int16 {
	c.buf = append(c.buf, samples...)

	var frames [][]int16
	for len(c.buf) >= c.frameSize {
		frame := make([]int16, c.frameSize)
		copy(frame, c.buf[:c.frameSize])
		frames = append(frames, frame)
		c.buf = c.buf[c.frameSize:]
	}
	return frames
}

// Buffered reports how many samples are waiting for a full frame.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
