package telephony

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{
		AccountSID: "AC00000000000000000000000000000000",
		AuthToken:  "token",
		BaseURL:    baseURL,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{AuthToken: "t"}); err == nil {
		t.Error("missing account SID must fail")
	}
	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Error("missing auth token must fail")
	}
}

func TestHangup(t *testing.T) {
	var gotPath string
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotStatus = r.PostForm.Get("Status")
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC00000000000000000000000000000000" || pass != "token" {
			t.Errorf("basic auth = %q %q", user, pass)
		}
		_, _ = w.Write([]byte(`{"sid":"CA123","status":"completed"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Hangup(context.Background(), "CA123"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(gotPath, "/Calls/CA123.json") {
		t.Errorf("path = %q", gotPath)
	}
	if gotStatus != "completed" {
		t.Errorf("status param = %q", gotStatus)
	}
}

func TestHangupToleratesUnknownCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Hangup(context.Background(), "CAgone"); err != nil {
		t.Errorf("404 should be treated as already hung up, got %v", err)
	}
}

func TestHangupPropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Hangup(context.Background(), "CA1"); err == nil {
		t.Error("401 must surface as an error")
	}
}

func TestOriginate(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"sid":"CAout","status":"queued"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Originate(context.Background(), OriginateInput{
		To:                "+15550002222",
		From:              "+15550001111",
		SIPTarget:         "sip:proj@sip.example.com;transport=tls",
		ReferURL:          "https://bridge.example.com/twilio/refer",
		StatusCallbackURL: "https://bridge.example.com/twilio/status",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderCallID != "CAout" || res.Status != "queued" {
		t.Errorf("result = %+v", res)
	}
	if form.Get("To") != "+15550002222" || form.Get("From") != "+15550001111" {
		t.Errorf("numbers = %q %q", form.Get("To"), form.Get("From"))
	}
	twiml := form.Get("Twiml")
	if !strings.Contains(twiml, "<Sip>sip:proj@sip.example.com;transport=tls</Sip>") {
		t.Errorf("twiml = %q", twiml)
	}
	if !strings.Contains(twiml, `referUrl="https://bridge.example.com/twilio/refer"`) {
		t.Errorf("twiml refer url missing: %q", twiml)
	}
	if form.Get("StatusCallback") == "" {
		t.Error("status callback not forwarded")
	}
}

func TestOriginateValidation(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	if _, err := c.Originate(context.Background(), OriginateInput{To: "+1", From: "+2"}); err == nil {
		t.Error("missing sip target must fail")
	}
	if _, err := c.Originate(context.Background(), OriginateInput{SIPTarget: "sip:x@y"}); err == nil {
		t.Error("missing numbers must fail")
	}
}

func TestBuildSIPURI(t *testing.T) {
	got := BuildSIPURI("sip:proj@sip.example.com;transport=tls", map[string]string{
		"agent_id": "support",
		"call_ctx": "vip tier",
	})
	want := "sip:proj@sip.example.com;transport=tls;agent_id=support;call_ctx=vip+tier"
	if got != want {
		t.Errorf("uri = %q, want %q", got, want)
	}

	if got := BuildSIPURI("sip:a@b", nil); got != "sip:a@b" {
		t.Errorf("uri without params = %q", got)
	}
}

func TestDialSIPTwiMLEscapes(t *testing.T) {
	twiml := DialSIPTwiML(`sip:a@b;x=<1>&y="2"`, "")
	if strings.Contains(twiml, "<1>") {
		t.Errorf("unescaped sip uri: %q", twiml)
	}
	if !strings.Contains(twiml, "&lt;1&gt;&amp;") {
		t.Errorf("twiml = %q", twiml)
	}
	if strings.Contains(twiml, "referUrl") {
		t.Error("refer url attribute must be absent when unset")
	}
}

func TestVerifySignature(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"From":       {"+15550001111"},
	}
	fullURL := "https://bridge.example.com/webhooks/twilio?callId=abc"

	sig := Sign("token", fullURL, form)
	if !VerifySignature("token", fullURL, form, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("token", fullURL, form, "") {
		t.Error("empty signature accepted")
	}
	if VerifySignature("other", fullURL, form, sig) {
		t.Error("signature accepted under wrong token")
	}

	tampered := url.Values{}
	for k, v := range form {
		tampered[k] = v
	}
	tampered.Set("From", "+19998887777")
	if VerifySignature("token", fullURL, tampered, sig) {
		t.Error("tampered form accepted")
	}
}
