package media

import (
	"sync"
	"time"
)

// queueDepth bounds both directions at ~320 ms of audio. On overflow
// the oldest frame is dropped; the realtime deadline wins over
// completeness.
const queueDepth = 16

// AudioAdapter frames and rate-matches the two audio streams of one
// call: telephone-rate RTP audio going up to the AI and AI-rate audio
// coming back down. All operations are deadline-bounded; on starvation
// or any internal error the adapter emits silence rather than block
// past the frame interval.
type AudioAdapter struct {
	uplink   chan []byte // telephone-rate PCM16 frames, 320 bytes each
	downlink chan []byte // telephone-rate PCM16 frames, 320 bytes each

	mu    sync.Mutex
	accum []byte // partial downlink frame, telephone rate
}

// NewAudioAdapter creates an adapter with bounded queues in both
// directions.
func NewAudioAdapter() *AudioAdapter {
	return &AudioAdapter{
		uplink:   make(chan []byte, queueDepth),
		downlink: make(chan []byte, queueDepth),
	}
}

// PushUplink enqueues one 20 ms telephone-rate PCM16 frame received
// from the network. Frames of the wrong size are dropped. On a full
// queue the oldest frame is dropped to make room.
func (a *AudioAdapter) PushUplink(frame []byte) {
	if len(frame) != TelephoneFrameBytes {
		return
	}
	pushDropOldest(a.uplink, frame)
}

// PullUplink returns one 20 ms AI-rate PCM16 frame, resampled from the
// next queued telephone frame. If no frame arrives within the frame
// interval it returns AI-rate silence.
func (a *AudioAdapter) PullUplink() []byte {
	select {
	case frame := <-a.uplink:
		return Resample8kTo24k(frame)
	case <-time.After(FrameDuration):
		return SilencePCM16(AISamplesPerFrame)
	}
}

// PushDownlink resamples a variable-length AI-rate PCM16 chunk to the
// telephone rate and appends it to the frame accumulator. Whole
// telephone-rate frames are released to the downlink queue in order.
func (a *AudioAdapter) PushDownlink(chunk []byte) {
	resampled := Resample24kTo8k(chunk)
	if len(resampled) == 0 {
		return
	}

	a.mu.Lock()
	a.accum = append(a.accum, resampled...)
	var frames [][]byte
	for len(a.accum) >= TelephoneFrameBytes {
		frame := make([]byte, TelephoneFrameBytes)
		copy(frame, a.accum[:TelephoneFrameBytes])
		a.accum = a.accum[TelephoneFrameBytes:]
		frames = append(frames, frame)
	}
	a.mu.Unlock()

	for _, frame := range frames {
		pushDropOldest(a.downlink, frame)
	}
}

// PullDownlink returns one 20 ms telephone-rate PCM16 frame for RTP
// transmission, or telephone-rate silence if none is ready within the
// frame interval.
func (a *AudioAdapter) PullDownlink() []byte {
	select {
	case frame := <-a.downlink:
		return frame
	case <-time.After(FrameDuration):
		return SilencePCM16(TelephoneSamplesPerFrame)
	}
}

// DownlinkPending reports how many whole frames are queued for
// transmission.
func (a *AudioAdapter) DownlinkPending() int {
	return len(a.downlink)
}

// pushDropOldest enqueues frame, evicting the oldest entry if the
// queue is full.
func pushDropOldest(q chan []byte, frame []byte) {
	for {
		select {
		case q <- frame:
			return
		default:
			select {
			case <-q:
			default:
			}
		}
	}
}

// IsNearSilence reports whether every sample of a PCM16 little-endian
// chunk is within the given absolute amplitude. Used to skip queueing
// AI chunks that carry no audible signal.
func IsNearSilence(pcm []byte, threshold int16) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		if s > threshold || s < -threshold {
			return false
		}
	}
	return true
}
