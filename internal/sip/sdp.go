package sip

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/voicebridge/voicebridge/internal/media"
)

// OfferedCodec is one payload type from the caller's SDP offer.
type OfferedCodec struct {
	PayloadType uint8
	Name        string
	Rate        uint32
}

// Offer is the subset of a caller's SDP the bridge acts on: where to
// send RTP and which codecs are on the table.
type Offer struct {
	Addr   string
	Port   int
	Codecs []OfferedCodec
}

// ParseOffer extracts the remote RTP endpoint and codec list from an
// SDP offer body.
func ParseOffer(body []byte) (*Offer, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	offer := &Offer{}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		offer.Addr = sd.ConnectionInformation.Address.Address
	}

	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		offer.Port = m.MediaName.Port.Value
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			offer.Addr = m.ConnectionInformation.Address.Address
		}

		rtpmaps := map[uint8]OfferedCodec{}
		for _, attr := range m.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			if c, ok := parseRtpmap(attr.Value); ok {
				rtpmaps[c.PayloadType] = c
			}
		}

		// Preserve the order of the m= format list.
		for _, format := range m.MediaName.Formats {
			pt, err := strconv.Atoi(format)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			if c, ok := rtpmaps[uint8(pt)]; ok {
				offer.Codecs = append(offer.Codecs, c)
			} else if name, rate, ok := staticPayloadType(uint8(pt)); ok {
				offer.Codecs = append(offer.Codecs, OfferedCodec{PayloadType: uint8(pt), Name: name, Rate: rate})
			}
		}
		break
	}

	if offer.Addr == "" {
		return nil, fmt.Errorf("sdp offer has no connection address")
	}
	if offer.Port == 0 {
		return nil, fmt.Errorf("sdp offer has no audio media section")
	}
	return offer, nil
}

// parseRtpmap parses an rtpmap attribute value, e.g. "0 PCMU/8000" or
// "121 PCMU/16000".
func parseRtpmap(value string) (OfferedCodec, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return OfferedCodec{}, false
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil || pt < 0 || pt > 127 {
		return OfferedCodec{}, false
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return OfferedCodec{}, false
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return OfferedCodec{}, false
	}
	return OfferedCodec{
		PayloadType: uint8(pt),
		Name:        parts[0],
		Rate:        uint32(rate),
	}, true
}

// staticPayloadType resolves well-known static payload types that may
// appear in the format list without an rtpmap line.
func staticPayloadType(pt uint8) (string, uint32, bool) {
	switch pt {
	case 0:
		return "PCMU", 8000, true
	case 8:
		return "PCMA", 8000, true
	default:
		return "", 0, false
	}
}

// SelectCodec picks the codec to answer with: payload type 0 if
// offered, otherwise the first payload type whose rtpmap names PCMU.
// The returned codec keeps the peer's payload type and advertised rate
// for the SDP answer; internally the stream is always handled at
// 8 kHz (G.711 is defined at 8 kHz only, whatever the peer's rtpmap
// claims).
func SelectCodec(offer *Offer) (OfferedCodec, bool) {
	for _, c := range offer.Codecs {
		if c.PayloadType == 0 {
			return c, true
		}
	}
	for _, c := range offer.Codecs {
		if strings.EqualFold(c.Name, "PCMU") {
			return c, true
		}
	}
	return OfferedCodec{}, false
}

// MediaCodec converts the negotiated wire codec into the internal
// media codec, pinned to 8 kHz.
func MediaCodec(c OfferedCodec) media.Codec {
	codec := media.CodecPCMU
	codec.PayloadType = c.PayloadType
	return codec
}

// BuildAnswer creates the SDP answer: one audio section with the
// selected payload type on our allocated port. The rtpmap rate echoes
// the peer's advertised rate for compatibility.
func BuildAnswer(localAddr string, port int, codec OfferedCodec) ([]byte, error) {
	format := strconv.Itoa(int(codec.PayloadType))

	sessionDesc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "voicebridge",
			SessionID:      randomSessionID(),
			SessionVersion: randomSessionID(),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "Voicebridge Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: localAddr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{format},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s PCMU/%d", format, codec.Rate)},
					{Key: "sendrecv"},
				},
			},
		},
	}

	return sessionDesc.Marshal()
}

// randomSessionID returns a random 7-digit session id or version.
func randomSessionID() uint64 {
	return uint64(1000000 + rand.Intn(9000000))
}
