package sip

import (
	"crypto/md5"
	"fmt"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

func newTestRegistrar() *Registrar {
	return NewRegistrar(nil, RegistrarConfig{
		Server:      "fritz.box",
		Port:        5060,
		Username:    "620",
		Password:    "secret",
		ContactHost: "192.168.1.10",
		ContactPort: 5060,
	}, nil)
}

func TestCSeqStrictlyIncreasing(t *testing.T) {
	r := newTestRegistrar()

	var prev uint32
	for i := 0; i < 10; i++ {
		req, _ := r.buildRegister(3600)
		cseq := req.CSeq()
		if cseq == nil {
			t.Fatal("request has no CSeq header")
		}
		if cseq.SeqNo <= prev {
			t.Fatalf("CSeq %d not greater than previous %d", cseq.SeqNo, prev)
		}
		if cseq.MethodName != sip.REGISTER {
			t.Errorf("CSeq method = %s, want REGISTER", cseq.MethodName)
		}
		prev = cseq.SeqNo
	}
}

func TestCallIDStableAcrossRequests(t *testing.T) {
	r := newTestRegistrar()

	first, _ := r.buildRegister(3600)
	second, _ := r.buildRegister(3600)

	id1, id2 := first.CallID(), second.CallID()
	if id1 == nil || id2 == nil {
		t.Fatal("request missing Call-ID header")
	}
	if id1.Value() != id2.Value() {
		t.Errorf("Call-ID changed between requests: %q vs %q", id1.Value(), id2.Value())
	}
	if id1.Value() == "" {
		t.Error("Call-ID is empty")
	}
}

func TestBuildRegisterHeaders(t *testing.T) {
	r := newTestRegistrar()
	req, recipient := r.buildRegister(3600)

	if req.Method != sip.REGISTER {
		t.Errorf("method = %s, want REGISTER", req.Method)
	}
	if recipient != "sip:fritz.box:5060" {
		t.Errorf("recipient uri = %q", recipient)
	}
	if got := req.GetHeader("Expires"); got == nil || got.Value() != "3600" {
		t.Errorf("Expires header = %v, want 3600", got)
	}
	if got := req.GetHeader("Contact"); got == nil || got.Value() != "<sip:620@192.168.1.10:5060>" {
		t.Errorf("Contact header = %v", got)
	}
	if got := req.GetHeader("From"); got == nil || got.Value() != "<sip:620@fritz.box>" {
		t.Errorf("From header = %v", got)
	}
}

func TestUnregisterRequestCarriesZeroExpiry(t *testing.T) {
	r := newTestRegistrar()
	req, _ := r.buildRegister(0)
	if got := req.GetHeader("Expires"); got == nil || got.Value() != "0" {
		t.Errorf("Expires header = %v, want 0", got)
	}
}

// Digest response for REGISTER must follow RFC 2617:
// MD5(MD5(user:realm:pass):nonce:MD5(method:uri)).
func TestDigestResponseVector(t *testing.T) {
	chal, err := digest.ParseChallenge(`Digest realm="fritz.box", nonce="abc123", algorithm=MD5`)
	if err != nil {
		t.Fatalf("parsing challenge: %v", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      "sip:fritz.box:5060",
		Username: "620",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("computing digest: %v", err)
	}

	ha1 := md5hex("620:fritz.box:secret")
	ha2 := md5hex("REGISTER:sip:fritz.box:5060")
	want := md5hex(ha1 + ":abc123:" + ha2)

	if cred.Response != want {
		t.Errorf("digest response = %s, want %s", cred.Response, want)
	}
	if cred.Username != "620" || cred.Realm != "fritz.box" || cred.Nonce != "abc123" {
		t.Errorf("credential fields wrong: %+v", cred)
	}
}

func md5hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

func TestBackoffSchedule(t *testing.T) {
	bo := &backoff{}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second,
		60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := bo.next(); got != w {
			t.Errorf("attempt %d: delay = %s, want %s", i, got, w)
		}
	}
	bo.reset()
	if got := bo.next(); got != time.Second {
		t.Errorf("after reset: delay = %s, want 1s", got)
	}
}

func TestParseContactExpires(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{`<sip:620@192.168.1.10:5060>;expires=1800`, 1800},
		{`<sip:620@192.168.1.10:5060>;q=1.0;expires=600;foo=bar`, 600},
		{`<sip:620@192.168.1.10:5060>`, 0},
		{`<sip:620@192.168.1.10:5060>;expires=junk`, 0},
	}
	for _, c := range cases {
		if got := parseContactExpires(c.in); got != c.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRefreshWindow(t *testing.T) {
	r := newTestRegistrar()

	if r.InRefreshWindow() {
		t.Error("unregistered state should not be in refresh window")
	}

	r.setRegistered(10)
	if r.InRefreshWindow() {
		t.Error("freshly registered should not be in refresh window")
	}

	r.mu.Lock()
	r.registeredAt = time.Now().Add(-9 * time.Second)
	r.mu.Unlock()
	if !r.InRefreshWindow() {
		t.Error("9s into a 10s grant should be past the 80% window")
	}
}
