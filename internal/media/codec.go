// Package media holds the audio primitives for the bridge: G.711 codec
// conversion, sample-rate conversion between the telephone rate and the
// AI rate, and the per-call audio adapter that frames both directions.
package media

import (
	"time"

	"github.com/zaf/g711"
)

// Audio rates used by the bridge. G.711 is defined at 8 kHz only; the
// realtime AI endpoint consumes and produces 24 kHz PCM16.
const (
	TelephoneRate = 8000
	AIRate        = 24000

	// FrameDuration is the fixed media cadence for the whole pipeline.
	FrameDuration = 20 * time.Millisecond
)

// Frame sizes derived from the 20 ms cadence.
const (
	TelephoneSamplesPerFrame = TelephoneRate / 50 // 160
	AISamplesPerFrame        = AIRate / 50        // 480

	TelephoneFrameBytes = TelephoneSamplesPerFrame * 2 // PCM16
	AIFrameBytes        = AISamplesPerFrame * 2
	UlawFrameBytes      = TelephoneSamplesPerFrame // one byte per sample
)

// Codec describes an RTP audio codec as negotiated in SDP.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
	Channels    uint8
}

// CodecPCMU is G.711 μ-law, static payload type 0.
var CodecPCMU = Codec{
	Name:        "PCMU",
	PayloadType: 0,
	SampleRate:  8000,
	SampleDur:   FrameDuration,
	Channels:    1,
}

// SamplesPerFrame returns the number of samples in one frame interval.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate / 50)
}

// UlawToPCM16 decodes G.711 μ-law bytes to 16-bit little-endian PCM.
// Output is exactly twice the input length.
func UlawToPCM16(in []byte) []byte {
	return g711.DecodeUlaw(in)
}

// PCM16ToUlaw encodes 16-bit little-endian PCM to G.711 μ-law.
// Input length must be even; output is half the input length.
func PCM16ToUlaw(in []byte) []byte {
	return g711.EncodeUlaw(in)
}

// SilenceUlaw returns one 20 ms frame of μ-law silence (0xFF is the
// μ-law encoding of linear zero).
func SilenceUlaw() []byte {
	frame := make([]byte, UlawFrameBytes)
	for i := range frame {
		frame[i] = 0xFF
	}
	return frame
}

// SilencePCM16 returns n samples of PCM16 silence as bytes.
func SilencePCM16(samples int) []byte {
	return make([]byte, samples*2)
}
