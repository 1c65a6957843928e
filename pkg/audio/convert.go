package audio

// MonoToStereo duplicates each little-endian int16 sample into an
// interleaved L/R pair. A trailing odd byte is dropped.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}

// ResampleMono16 converts PCM16 samples from srcRate to dstRate by linear
// interpolation. Matching or non-positive rates return samples unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	return resample(samples, srcRate, dstRate)
}

// ResampleMonoFloat32 is [ResampleMono16] for float samples. The capture
// backend uses it when the device does not record at the wire rate.
func ResampleMonoFloat32(samples []float32, srcRate, dstRate int) []float32 {
	return resample(samples, srcRate, dstRate)
}

func resample[S int16 | float32](samples []S, srcRate, dstRate int) []S {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]S, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		a := float64(samples[idx])
		b := a
		if idx < last {
			b = float64(samples[idx+1])
		}
		out[i] = S(a + (b-a)*(pos-float64(idx)))
	}
	return out
}
