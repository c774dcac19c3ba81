package media

// Resampling between the telephone rate and the AI rate. The ratio is a
// strict 1:3, so frame alignment is preserved: a 160-sample telephone
// frame always becomes a 480-sample AI frame and vice versa. Linear
// interpolation is good enough for narrowband speech that has already
// been through G.711.

// Resample8kTo24k upsamples PCM16 little-endian audio from the
// telephone rate to the AI rate. Output has exactly 3x the samples.
func Resample8kTo24k(in []byte) []byte {
	n := len(in) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*3*2)

	for i := 0; i < n; i++ {
		s0 := int16(in[i*2]) | int16(in[i*2+1])<<8
		s1 := s0
		if i+1 < n {
			s1 = int16(in[(i+1)*2]) | int16(in[(i+1)*2+1])<<8
		}

		// Three output samples per input sample, interpolated
		// towards the next input sample.
		for j := 0; j < 3; j++ {
			frac := float64(j) / 3.0
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			idx := (i*3 + j) * 2
			out[idx] = byte(v & 0xFF)
			out[idx+1] = byte((v >> 8) & 0xFF)
		}
	}

	return out
}

// Resample24kTo8k downsamples PCM16 little-endian audio from the AI
// rate to the telephone rate. Every three input samples are averaged
// into one output sample, which doubles as a crude anti-alias filter.
func Resample24kTo8k(in []byte) []byte {
	n := len(in) / 2
	outSamples := n / 3
	if outSamples == 0 {
		return nil
	}
	out := make([]byte, outSamples*2)

	for i := 0; i < outSamples; i++ {
		var sum int32
		for j := 0; j < 3; j++ {
			idx := (i*3 + j) * 2
			sum += int32(int16(in[idx]) | int16(in[idx+1])<<8)
		}
		v := int16(sum / 3)
		out[i*2] = byte(v & 0xFF)
		out[i*2+1] = byte((v >> 8) & 0xFF)
	}

	return out
}
