// Package twitchapi contains minimal helpers for the Twitch Helix API using
// an app access token. The league uses it to tell staff whether an absent
// racer's stream is live.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultBaseURL = "https://api.twitch.tv"
	// Helix accepts at most 100 user_login filters per request.
	maxLoginsPerRequest = 100
)

// HelixClient queries Helix endpoints.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides https://api.twitch.tv.
	BaseURL string
}

// Stream is a live broadcast.
type Stream struct {
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

func (hc *HelixClient) httpClient() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) endpoint(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// get performs an authorized GET. A 401 invalidates the app token and the
// request is retried once with a fresh one.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.endpoint(path)+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.httpClient().Do(req)
		if err != nil {
			return err
		}
		retry, err := decode(resp, out)
		if retry && attempt == 0 {
			hc.AppTokenSource.Invalidate()
			continue
		}
		return err
	}
}

func decode(resp *http.Response, out any) (unauthorized bool, err error) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "twitchapi"))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return true, fmt.Errorf("helix: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("helix: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return false, json.NewDecoder(resp.Body).Decode(out)
}

// GetStreams returns the live streams among the given logins.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(logins); start += maxLoginsPerRequest {
		end := min(start+maxLoginsPerRequest, len(logins))
		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("user_login", strings.ToLower(l))
		}
		q.Set("first", "100")
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.get(ctx, "/helix/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// LiveStreams returns the logins of names that are currently live.
func (hc *HelixClient) LiveStreams(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	streams, err := hc.GetStreams(ctx, names...)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(streams))
	for _, s := range streams {
		live = append(live, s.UserLogin)
	}
	return live, nil
}
