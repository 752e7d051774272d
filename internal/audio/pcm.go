package audio

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

const (
	// CaptureRate is the fixed transport rate for outbound microphone audio.
	CaptureRate = 16000
	// PlaybackRate is the fixed rate of inbound model audio.
	PlaybackRate = 24000
)

// Decimate downsamples float samples from fromRate to toRate by
// nearest-neighbor decimation. Band-limited resampling is intentionally
// skipped; voice-bandwidth speech tolerates the aliasing.
func Decimate(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * ratio)
		if idx >= len(samples) {
			break
		}
		out = append(out, samples[idx])
	}
	return out
}

// EncodePCM16LE quantizes [-1,1] float samples to little-endian int16
// bytes using the asymmetric two-sided clamp: negative values scale by
// 32768, positive by 32767.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16LE converts little-endian int16 bytes back to float samples.
// A trailing odd byte is dropped.
func DecodePCM16LE(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// EncodeFrame produces the base64 wire form of one capture buffer.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(samples))
}

// DecodeFrame decodes one base64 wire frame into float samples.
func DecodeFrame(data string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return DecodePCM16LE(pcm), nil
}

// Duration reports the play time of a sample buffer at the given rate.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}
