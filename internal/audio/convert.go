package audio

import (
	"encoding/binary"
	"math"
)

// PCMBytesToInt16 decodes little-endian PCM16 bytes. A trailing odd byte
// is ignored.
func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func Int16ToPCMBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Int16ToFloat32 maps a signed 16-bit sample v to v/32768.
func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, s := range samples {
		result[i] = float32(s) / 32768.0
	}
	return result
}

// Float32ToInt16 clamps each sample to [-1, 1] and quantizes by rounding
// sample*32767.
func Float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, s := range samples {
		result[i] = QuantizeSample(s)
	}
	return result
}

func QuantizeSample(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(math.Round(float64(s) * 32767.0))
}
