package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"
)

// Wire formats negotiated with the streaming endpoint. The payloads are raw
// PCM with no container, so these constants are shared by the encode and
// decode paths.
const (
	// OutboundSampleRate is the rate of microphone audio on the wire.
	OutboundSampleRate = 16000

	// InboundSampleRate is the rate of model audio received from the endpoint.
	InboundSampleRate = 24000

	// WireChannels is the channel count in both directions.
	WireChannels = 1

	// OutboundMIMEType tags outbound realtime audio chunks.
	OutboundMIMEType = "audio/pcm;rate=16000"
)

var (
	// OutboundFormat is the wire format of microphone audio.
	OutboundFormat = Format{SampleRate: OutboundSampleRate, Channels: WireChannels}

	// InboundFormat is the wire format of model audio.
	InboundFormat = Format{SampleRate: InboundSampleRate, Channels: WireChannels}
)

var (
	// ErrDecode reports a malformed base64 audio payload. The offending chunk
	// should be dropped; it is never fatal to the session.
	ErrDecode = errors.New("audio: decode error")

	// ErrFormat reports PCM bytes that do not form whole frames for the
	// declared channel count.
	ErrFormat = errors.New("audio: format error")
)

// WireChunk is an encoded realtime audio chunk ready for transmission.
type WireChunk struct {
	// Data is base64-encoded little-endian int16 PCM.
	Data string

	// MIMEType is always [OutboundMIMEType].
	MIMEType string
}

// EncodeOutbound converts normalized float samples captured at sourceRate to
// the outbound wire format. Samples outside [-1, 1] are clamped, NaN becomes
// silence, and audio not already at 16 kHz is resampled.
func EncodeOutbound(samples []float32, sourceRate int) (WireChunk, error) {
	if sourceRate <= 0 {
		return WireChunk{}, fmt.Errorf("audio: encode: invalid source rate %d", sourceRate)
	}
	pcm := FloatToPCM16(samples)
	if sourceRate != OutboundSampleRate {
		pcm = ResampleMono16(pcm, sourceRate, OutboundSampleRate)
	}
	return WireChunk{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: OutboundMIMEType,
	}, nil
}

// DecodeInbound base64-decodes an inbound audio payload. Malformed input
// (characters outside the alphabet, truncated padding) yields an error
// wrapping [ErrDecode].
func DecodeInbound(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// FloatToPCM16 quantizes normalized float samples to little-endian int16.
// Negative values scale by 32768 and positive by 32767 so both ends of the
// range map exactly.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		var q int16
		if v < 0 {
			q = int16(math.Round(v * 32768))
		} else {
			q = int16(math.Round(v * 32767))
		}
		putSample(out, i, q)
	}
	return out
}

// Buffer is decoded audio bound to a playback format: one normalized float32
// slice per channel, all of equal length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns how long the buffer plays for at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Format returns the buffer's sample rate and channel count.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: len(b.Channels)}
}

// ToPlayableBuffer interprets pcm as interleaved 16-bit frames at sampleRate
// with channelCount channels, maps it to the target playback format, and
// de-interleaves it into normalized float32 channels. It fails with
// [ErrFormat] if pcm is not a whole number of frames.
func ToPlayableBuffer(pcm []byte, target Format, sampleRate, channelCount int) (*Buffer, error) {
	if channelCount <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid source format %dHz %dch", ErrFormat, sampleRate, channelCount)
	}
	if target.Channels <= 0 || target.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid target format %s", ErrFormat, target)
	}
	if len(pcm)%(2*channelCount) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrFormat, len(pcm), 2*channelCount)
	}

	pcm = Remap(pcm, Format{SampleRate: sampleRate, Channels: channelCount}, target)
	channels := target.Channels
	if channelCount != target.Channels && !(channelCount <= 2 && target.Channels <= 2) {
		// Remap leaves unsupported channel layouts untouched.
		channels = channelCount
	}

	frames := len(pcm) / (2 * channels)
	buf := &Buffer{
		SampleRate: target.SampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			buf.Channels[c][i] = float32(sampleAt(pcm, i*channels+c)) / 32768
		}
	}
	return buf, nil
}
