// Package vodrecord drives an nginx-rtmp style record control endpoint so
// each racer's restream is recorded while a match is in progress.
package vodrecord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/condorbot/league"
)

const defaultLinkBase = "https://vod.condor.host"

// Recorder is a league.Recorder. Names are RTMP application names and are
// compared case-insensitively; each name has at most one live recording.
type Recorder struct {
	// ControlURL is the base of the record control API, e.g.
	// https://rtmp.example.com.
	ControlURL string
	// LinkBase is where finished recordings are served from.
	LinkBase   string
	HTTPClient *http.Client

	log *slog.Logger

	mu        sync.Mutex
	recording map[string]string // name -> recording file reported by start
}

var _ league.Recorder = (*Recorder)(nil)

// New returns a recorder for controlURL.
func New(controlURL string) *Recorder {
	return &Recorder{
		ControlURL: strings.TrimRight(controlURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		log:        slog.Default().With(slog.String("component", "vodrecord")),
		recording:  make(map[string]string),
	}
}

func (r *Recorder) control(ctx context.Context, action, name string) (string, error) {
	q := url.Values{"app": {name}, "name": {"live"}}
	u := r.ControlURL + "/control/record/" + action + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("record %s %s: %w", action, name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("record %s %s: read body: %w", action, name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("record %s %s: status %d", action, name, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

// StartRecord begins recording name. A recording already running for name
// is stopped first; if it cannot be stopped no new recording starts.
func (r *Recorder) StartRecord(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recording[name]; ok {
		if err := r.endLocked(ctx, name); err != nil {
			return fmt.Errorf("restart recording of %s: %w", name, err)
		}
	}
	file, err := r.control(ctx, "start", name)
	if err != nil {
		return err
	}
	r.recording[name] = file
	r.log.Info("recording started", slog.String("name", name), slog.String("file", file))
	return nil
}

// EndRecord stops recording name. Names not being recorded are ignored.
func (r *Recorder) EndRecord(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recording[name]; !ok {
		return nil
	}
	return r.endLocked(ctx, name)
}

func (r *Recorder) endLocked(ctx context.Context, name string) error {
	if _, err := r.control(ctx, "stop", name); err != nil {
		return err
	}
	delete(r.recording, name)
	r.log.Info("recording stopped", slog.String("name", name))
	return nil
}

// EndAll stops every recording. Failures are joined; the recorder forgets
// every name either way.
func (r *Recorder) EndAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name := range r.recording {
		if _, err := r.control(ctx, "stop", name); err != nil {
			errs = append(errs, err)
		}
	}
	clear(r.recording)
	return errors.Join(errs...)
}

// Recording lists the names being recorded.
func (r *Recorder) Recording() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.recording))
	for name := range r.recording {
		out = append(out, name)
	}
	return out
}

// VODLink returns the public link of name's current recording, or "" when
// there is none or the file name carries no timestamp.
func (r *Recorder) VODLink(name string) string {
	name = strings.ToLower(name)
	r.mu.Lock()
	file := r.recording[name]
	r.mu.Unlock()
	base := r.LinkBase
	if base == "" {
		base = defaultLinkBase
	}
	return vodLink(base, name, file)
}

// vodLink maps a recording file such as /rec/live-1709998800.flv to the
// hourly VOD file it is published under.
func vodLink(base, name, file string) string {
	i := strings.LastIndex(file, "live-")
	if i < 0 || !strings.HasSuffix(file, ".flv") {
		return ""
	}
	secs, err := strconv.ParseInt(file[i+len("live-"):len(file)-len(".flv")], 10, 64)
	if err != nil {
		return ""
	}
	t := time.Unix(secs, 0).UTC()
	return fmt.Sprintf("%s/%s/%s-vod-%s%%3A%s.flv", strings.TrimRight(base, "/"), name, name, t.Format("2006-01-02_15"), t.Format("04"))
}
