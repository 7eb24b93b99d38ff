package openaiapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicewire/callbridge/internal/realtime/protocol"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "sk-test", BaseURL: baseURL, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("missing api key must fail")
	}
}

func TestAcceptCall(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.AcceptCall(context.Background(), "rtc_1", protocol.SessionConfig{
		Voice:        "marin",
		Instructions: "Greet the caller.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/realtime/calls/rtc_1/accept" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["type"] != "realtime" || gotBody["model"] != protocol.DefaultModel {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["instructions"] != "Greet the caller." {
		t.Errorf("instructions = %v", gotBody["instructions"])
	}
}

func TestReferFailureIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/calls/rtc_2/refer" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if body["target_uri"] != "tel:+15550001111" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no such call"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Refer(context.Background(), "rtc_2", "tel:+15550001111"); err == nil {
		t.Error("non-2xx refer must fail")
	}
}

func TestMintClientSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		expiry := body["expires_after"].(map[string]any)
		if expiry["anchor"] != "created_at" || expiry["seconds"] != float64(600) {
			t.Errorf("expires_after = %v", expiry)
		}
		if _, ok := body["session"].(map[string]any); !ok {
			t.Errorf("session missing: %v", body)
		}
		_, _ = w.Write([]byte(`{"value":"ek_abc","expires_at":1767225600}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	secret, err := c.MintClientSecret(context.Background(), protocol.SessionConfig{Voice: "marin"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if secret.Value != "ek_abc" || secret.ExpiresAt != 1767225600 {
		t.Errorf("secret = %+v", secret)
	}
}

func TestMintClientSecretCustomTTL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if secs := body["expires_after"].(map[string]any)["seconds"]; secs != float64(120) {
			t.Errorf("seconds = %v", secs)
		}
		_, _ = w.Write([]byte(`{"value":"ek_x","expires_at":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.MintClientSecret(context.Background(), protocol.SessionConfig{}, 2*time.Minute); err != nil {
		t.Fatal(err)
	}
}

func TestMintClientSecretMissingValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.MintClientSecret(context.Background(), protocol.SessionConfig{}, 0); err == nil {
		t.Error("empty secret value must fail")
	}
}
