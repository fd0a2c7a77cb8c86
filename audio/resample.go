package audio

// resampler is a simple linear-interpolation resampler between a fixed
// input rate and a fixed output rate, used at the device boundary for
// devices that do not run at the 48kHz processing rate.
type resampler struct {
	ratio float64 // output samples per input sample
	pos   float64 // fractional read position into the pending input
	prev  float32
}

func newResampler(inRate, outRate float64) *resampler {
	if inRate <= 0 {
		inRate = SampleRate
	}
	if outRate <= 0 {
		outRate = SampleRate
	}
	return &resampler{ratio: outRate / inRate}
}

// resample produces exactly outLen samples from in, linearly interpolating
// between consecutive input samples. It carries fractional phase across
// calls so consecutive frames splice without a click.
func (r *resampler) resample(in []float32, outLen int) []float32 {
	if r.ratio == 1 {
		out := make([]float32, outLen)
		copy(out, in)
		return out
	}
	out := make([]float32, outLen)
	step := 1.0 / r.ratio
	pos := r.pos
	for i := 0; i < outLen; i++ {
		idx := int(pos)
		frac := float32(pos - float64(idx))
		var a, b float32
		if idx < 0 {
			a, b = r.prev, sampleAt(in, 0)
		} else {
			a = sampleAt(in, idx)
			b = sampleAt(in, idx+1)
		}
		out[i] = a + (b-a)*frac
		pos += step
	}
	consumed := int(pos)
	r.pos = pos - float64(consumed)
	if consumed > 0 && consumed <= len(in) {
		r.prev = in[consumed-1]
	} else if len(in) > 0 {
		r.prev = in[len(in)-1]
	}
	return out
}

func sampleAt(buf []float32, i int) float32 {
	if i < 0 || i >= len(buf) {
		return 0
	}
	return buf[i]
}
