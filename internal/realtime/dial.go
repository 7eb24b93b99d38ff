package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// DefaultControlURL is the hosted backend's realtime control endpoint.
const DefaultControlURL = "wss://api.openai.com/v1/realtime"

// Dial opens the sideband control channel for an accepted call. baseURL
// overrides the default endpoint; tests point it at a local server.
func Dial(ctx context.Context, baseURL, apiKey, callID string) (*websocket.Conn, error) {
	if baseURL == "" {
		baseURL = DefaultControlURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse control url: %w", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial control channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial control channel: %w", err)
	}
	return conn, nil
}
