package audio

import "math"

// Resampler converts a stream of float32 blocks from one sample rate to a
// lower or equal one using linear interpolation. The fractional read
// position carries over between Process calls, so the phase stays continuous
// across block boundaries regardless of how the input is sliced.
type Resampler struct {
	step  float64
	phase float64
}

func NewResampler(sourceRate, targetRate int) *Resampler {
	return &Resampler{step: float64(sourceRate) / float64(targetRate)}
}

// Process resamples one input block. The returned slice is freshly
// allocated and owned by the caller.
func (r *Resampler) Process(input []float32) []float32 {
	if len(input) == 0 {
		return nil
	}

	estimated := int(math.Ceil(float64(len(input)) / r.step))
	output := make([]float32, 0, estimated)

	p := r.phase
	for int(p) < len(input) {
		i := int(p)
		f := float32(p - float64(i))
		if i+1 < len(input) {
			output = append(output, input[i]*(1-f)+input[i+1]*f)
		} else {
			output = append(output, input[i])
		}
		p += r.step
	}
	r.phase = p - float64(len(input))

	return output
}

// Reset discards the carried phase, e.g. when a new utterance starts.
func (r *Resampler) Reset() {
	r.phase = 0
}
