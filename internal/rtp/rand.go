// Package rtp carries one telephone media session over UDP: a paced
// 20 ms transmit loop and a receive loop feeding the audio adapter.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
)

// GenerateSSRC generates a random SSRC for an RTP stream.
func GenerateSSRC() uint32 {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return binary.BigEndian.Uint32(b)
}

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 {
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return binary.BigEndian.Uint16(b)
}

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return binary.BigEndian.Uint32(b)
}
