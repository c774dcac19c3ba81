package sip

import (
	"strings"
	"testing"

	"github.com/voicebridge/voicebridge/internal/media"
)

const offerPCMUandPCMA = "v=0\r\n" +
	"o=caller 123456 654321 IN IP4 192.168.1.50\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

const offerWidebandPCMU = "v=0\r\n" +
	"o=caller 123456 654321 IN IP4 192.168.1.50\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 121\r\n" +
	"a=rtpmap:121 PCMU/16000\r\n"

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(offerPCMUandPCMA))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}
	if offer.Addr != "192.168.1.50" {
		t.Errorf("addr = %q, want 192.168.1.50", offer.Addr)
	}
	if offer.Port != 40000 {
		t.Errorf("port = %d, want 40000", offer.Port)
	}
	if len(offer.Codecs) != 2 {
		t.Fatalf("got %d codecs, want 2", len(offer.Codecs))
	}
	if offer.Codecs[0].PayloadType != 0 || offer.Codecs[0].Name != "PCMU" {
		t.Errorf("first codec = %+v, want PT 0 PCMU", offer.Codecs[0])
	}
	if offer.Codecs[1].PayloadType != 8 || offer.Codecs[1].Name != "PCMA" {
		t.Errorf("second codec = %+v, want PT 8 PCMA", offer.Codecs[1])
	}
}

func TestParseOfferMediaLevelConnection(t *testing.T) {
	body := "v=0\r\n" +
		"o=caller 1 1 IN IP4 10.0.0.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.99\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}
	if offer.Addr != "10.0.0.99" {
		t.Errorf("addr = %q, want the media-level 10.0.0.99", offer.Addr)
	}
}

func TestParseOfferRejectsGarbage(t *testing.T) {
	if _, err := ParseOffer([]byte("this is not sdp")); err == nil {
		t.Error("expected error for non-SDP body")
	}
	noAudio := "v=0\r\n" +
		"o=caller 1 1 IN IP4 10.0.0.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n"
	if _, err := ParseOffer([]byte(noAudio)); err == nil {
		t.Error("expected error for offer without audio section")
	}
}

func TestSelectCodecPrefersPayloadTypeZero(t *testing.T) {
	offer, err := ParseOffer([]byte(offerPCMUandPCMA))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}

	codec, ok := SelectCodec(offer)
	if !ok {
		t.Fatal("SelectCodec found nothing")
	}
	if codec.PayloadType != 0 {
		t.Errorf("payload type = %d, want 0", codec.PayloadType)
	}
	if codec.Rate != 8000 {
		t.Errorf("rate = %d, want 8000", codec.Rate)
	}
}

func TestSelectCodecWidebandPCMU(t *testing.T) {
	offer, err := ParseOffer([]byte(offerWidebandPCMU))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}

	codec, ok := SelectCodec(offer)
	if !ok {
		t.Fatal("SelectCodec found nothing")
	}
	if codec.PayloadType != 121 {
		t.Errorf("payload type = %d, want 121", codec.PayloadType)
	}
	if codec.Rate != 16000 {
		t.Errorf("advertised rate = %d, want 16000", codec.Rate)
	}

	// The wire echoes the peer's rate, but internally the stream is
	// always clocked at 8 kHz.
	mc := MediaCodec(codec)
	if mc.SampleRate != media.TelephoneRate {
		t.Errorf("internal rate = %d, want %d", mc.SampleRate, media.TelephoneRate)
	}
	if mc.PayloadType != 121 {
		t.Errorf("internal payload type = %d, want 121", mc.PayloadType)
	}
}

func TestSelectCodecNoPCMU(t *testing.T) {
	offer := &Offer{
		Addr:   "10.0.0.1",
		Port:   5004,
		Codecs: []OfferedCodec{{PayloadType: 8, Name: "PCMA", Rate: 8000}},
	}
	if _, ok := SelectCodec(offer); ok {
		t.Error("expected no codec for a PCMA-only offer")
	}
}

func TestBuildAnswer(t *testing.T) {
	codec := OfferedCodec{PayloadType: 0, Name: "PCMU", Rate: 8000}
	body, err := BuildAnswer("203.0.113.5", 10002, codec)
	if err != nil {
		t.Fatalf("BuildAnswer failed: %v", err)
	}

	answer := string(body)
	for _, want := range []string{
		"c=IN IP4 203.0.113.5",
		"m=audio 10002 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}

	// The answer must round-trip through our own parser.
	parsed, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("answer does not parse: %v", err)
	}
	if parsed.Port != 10002 {
		t.Errorf("parsed port = %d, want 10002", parsed.Port)
	}
}

func TestBuildAnswerEchoesPeerRate(t *testing.T) {
	codec := OfferedCodec{PayloadType: 121, Name: "PCMU", Rate: 16000}
	body, err := BuildAnswer("203.0.113.5", 10004, codec)
	if err != nil {
		t.Fatalf("BuildAnswer failed: %v", err)
	}
	if !strings.Contains(string(body), "a=rtpmap:121 PCMU/16000") {
		t.Errorf("answer should echo the peer's advertised rate:\n%s", body)
	}
}

func TestParseRtpmap(t *testing.T) {
	c, ok := parseRtpmap("0 PCMU/8000")
	if !ok || c.PayloadType != 0 || c.Name != "PCMU" || c.Rate != 8000 {
		t.Errorf("parseRtpmap(0 PCMU/8000) = %+v, %v", c, ok)
	}
	if _, ok := parseRtpmap("garbage"); ok {
		t.Error("expected failure for malformed rtpmap")
	}
	if _, ok := parseRtpmap("200 PCMU/8000"); ok {
		t.Error("expected failure for out-of-range payload type")
	}
}
