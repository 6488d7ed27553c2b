package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of a PCM stream.
// The wire format carries no header, so both sides of the session agree on
// Format out-of-band.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerFrame returns the size of one interleaved 16-bit frame.
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// Remap converts 16-bit interleaved PCM from one format to another. It
// resamples first, so a stereo→mono downmix never pays for resampling the
// extra channel twice, and then maps channels. Only mono↔stereo channel maps
// are supported; other channel counts pass through unchanged.
func Remap(pcm []byte, from, to Format) []byte {
	if from == to {
		return pcm
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair. A trailing odd
// byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := pcm[i*2 : i*2+2]
		copy(out[i*4:], s)
		copy(out[i*4+2:], s)
	}
	return out
}

// StereoToMono averages each L+R pair. The sum is taken in int32 so that two
// full-scale samples cannot overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM with linear interpolation.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM with linear
// interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 2, srcRate, dstRate)
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation per channel. Invalid
// rates or equal rates return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sampleAt reads the i-th little-endian int16 sample from pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// putSample writes v as the i-th little-endian int16 sample of pcm.
func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
