// Package audio converts between the PCM formats used on the wire and the
// formats a playback device accepts.
//
// Outbound microphone audio is encoded with [EncodeOutbound] into 16 kHz mono
// 16-bit PCM, base64-wrapped and tagged with [OutboundMIMEType]. Inbound model
// audio arrives as 24 kHz mono PCM; [DecodeInbound] unwraps it and
// [ToPlayableBuffer] resamples and channel-maps it to the speaker [Format].
//
// The subpackages hold the hardware side: device opens microphones, screens
// and speakers, and playback schedules decoded buffers gaplessly.
package audio
