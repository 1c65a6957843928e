package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// FloatToPCM16 converts one float sample to a signed 16-bit integer by
// multiplying by 32768 and truncating toward zero.
//
// No clamping is applied unless clamp is true: a sample of exactly 1.0 yields
// 32768, which wraps to -32768 in two's complement. The conversion goes
// through int32 so the wrap is well defined for every sample in
// [-65536, 65536).
func FloatToPCM16(sample float32, clamp bool) int16 {
	v := int32(sample * 32768)
	if clamp {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
	}
	return int16(v)
}

// EncodePCM16 converts float samples to little-endian 16-bit PCM bytes using
// [FloatToPCM16].
func EncodePCM16(samples []float32, clamp bool) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s, clamp)))
	}
	return out
}

// EncodeBase64PCM16 encodes a captured block into the base64 payload of a
// wire frame.
func EncodeBase64PCM16(samples []float32, clamp bool) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples, clamp))
}

// DecodePCM16 interprets little-endian 16-bit PCM bytes as samples. An odd
// byte count is rejected.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: odd byte count %d in PCM16 data", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// DecodeBase64PCM16 decodes a base64 payload of raw mono PCM16 into a
// [Buffer] at sampleRate.
func DecodeBase64PCM16(data string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// PCM16Bytes serialises samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
