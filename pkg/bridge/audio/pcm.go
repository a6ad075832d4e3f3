package audio

import (
	"encoding/binary"
	"math"
)

// Encoding names accepted by the upstream session configuration.
const (
	EncodingPCM16    = "pcm16"
	EncodingG711ULaw = "g711_ulaw"
	EncodingG711ALaw = "g711_alaw"
)

// DefaultSampleRate is the realtime API's native PCM16 rate.
const DefaultSampleRate = 24000

// Format describes a raw audio stream.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// DefaultFormat is 24kHz mono PCM16.
func DefaultFormat() Format {
	return Format{Encoding: EncodingPCM16, SampleRate: DefaultSampleRate, Channels: 1}
}

func (f Format) bytesPerSample() int {
	if f.Encoding == EncodingG711ULaw || f.Encoding == EncodingG711ALaw {
		return 1
	}
	return 2
}

func (f Format) bytesPerSecond() int {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return rate * channels * f.bytesPerSample()
}

// BytesForDurationMs returns the byte size of ms milliseconds of audio.
func (f Format) BytesForDurationMs(ms int) int {
	if ms <= 0 {
		return 0
	}
	n := f.bytesPerSecond() * ms / 1000
	frame := f.bytesPerSample() * max(f.Channels, 1)
	return n - n%frame
}

// DurationMs returns the play time of n bytes.
func (f Format) DurationMs(n int) int {
	if n <= 0 {
		return 0
	}
	return n * 1000 / f.bytesPerSecond()
}

// RMS returns the root-mean-square energy of 16-bit little-endian PCM,
// normalized to 0..1.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// IsSilent reports whether the RMS energy of pcm is below threshold.
func IsSilent(pcm []byte, threshold float64) bool {
	return RMS(pcm) < threshold
}

// Level maps RMS energy onto a 0..1 meter scale. Speech usually sits around
// 0.05-0.3 RMS, so the value is boosted and clamped.
func Level(pcm []byte) float64 {
	level := RMS(pcm) * 3
	if level > 1 {
		return 1
	}
	return level
}

// Resample converts mono PCM16 between sample rates with linear
// interpolation. Good enough for meters and diagnostics, not for playback.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(pcm) < 2 {
		out := make([]byte, len(pcm)-len(pcm)%2)
		copy(out, pcm)
		return out
	}

	in := len(pcm) / 2
	outSamples := int(int64(in) * int64(toRate) / int64(fromRate))
	if outSamples == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, outSamples*2)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(min(idx, in-1))
		if idx+1 < in {
			v += (sample(idx+1) - v) * frac
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(clamp16(v)))))
	}
	return out
}

func clamp16(v float64) float64 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}
