package openaiapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func signWebhook(t *testing.T, secret []byte, id, timestamp string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	body := []byte(`{"type":"realtime.call.incoming"}`)
	id := "wh_1"
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signWebhook(t, key, id, ts, body)

	if err := VerifyWebhook(secret, id, ts, sig, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// A second candidate in the header still verifies.
	if err := VerifyWebhook(secret, id, ts, "v1,bogus "+sig, body); err != nil {
		t.Errorf("multi-candidate header rejected: %v", err)
	}

	if err := VerifyWebhook(secret, id, ts, sig, []byte(`{"tampered":1}`)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered body err = %v", err)
	}
	if err := VerifyWebhook(secret, id, ts, "", body); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("missing signature err = %v", err)
	}

	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	oldSig := signWebhook(t, key, id, old, body)
	if err := VerifyWebhook(secret, id, old, oldSig, body); !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("stale timestamp err = %v", err)
	}
}

func TestParseIncomingCall(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "realtime.call.incoming",
		"data": {
			"call_id": "rtc_abc",
			"sip_headers": [
				{"name": "from", "value": "\"Alice\" <sip:+15550001111@carrier.example>;tag=x"},
				{"name": "To", "value": "sip:+15550002222@sip.example.com"},
				{"name": "x-twilio-callsid", "value": "CA777"}
			]
		}
	}`)

	call, err := ParseIncomingCall(body)
	if err != nil {
		t.Fatal(err)
	}
	if call.EventID != "evt_1" || call.CallID != "rtc_abc" {
		t.Errorf("identity = %+v", call)
	}
	if got := call.FromNumber(); got != "+15550001111" {
		t.Errorf("from = %q", got)
	}
	if got := call.ToNumber(); got != "+15550002222" {
		t.Errorf("to = %q", got)
	}
	if got := call.ProviderCallID(); got != "CA777" {
		t.Errorf("provider call id = %q", got)
	}
	if got := call.Header("absent"); got != "" {
		t.Errorf("absent header = %q", got)
	}
}

func TestParseIncomingCallRejectsOtherEvents(t *testing.T) {
	if _, err := ParseIncomingCall([]byte(`{"type":"response.done","data":{}}`)); err == nil {
		t.Error("other event types must be rejected")
	}
	if _, err := ParseIncomingCall([]byte(`{"type":"realtime.call.incoming","data":{}}`)); err == nil {
		t.Error("missing call_id must be rejected")
	}
	if _, err := ParseIncomingCall([]byte(`{not json`)); err == nil {
		t.Error("malformed body must be rejected")
	}
}

func TestURIParam(t *testing.T) {
	call := &IncomingCall{SIPHeaders: []SIPHeader{
		{Name: "To", Value: `<sip:proj@sip.example.com;transport=tls;agent_id=support;outbound=1>;tag=z`},
	}}
	if got := call.URIParam("agent_id"); got != "support" {
		t.Errorf("agent_id = %q", got)
	}
	if got := call.URIParam("outbound"); got != "1" {
		t.Errorf("outbound = %q", got)
	}
	if got := call.URIParam("absent"); got != "" {
		t.Errorf("absent = %q", got)
	}

	bare := &IncomingCall{SIPHeaders: []SIPHeader{
		{Name: "To", Value: `sip:+15550002222@sip.example.com`},
	}}
	if got := bare.URIParam("agent_id"); got != "" {
		t.Errorf("param on plain address = %q", got)
	}
}

func TestSIPAddressForms(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Bob" <sip:+1999@pstn.example>;tag=9`, "+1999"},
		{`sip:+1999@pstn.example`, "+1999"},
		{`tel:+1999`, "+1999"},
		{`sip:anonymous@anonymous.invalid;transport=tls`, "anonymous"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := sipAddress(tt.in); got != tt.want {
			t.Errorf("sipAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
