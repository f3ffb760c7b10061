package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/util"
)

const (
	requestTimeout   = 10 * time.Second
	reconnectBackoff = time.Second
)

// Client talks to a kyccall server. It satisfies the registry and outcome
// writer interfaces the call controllers are built on.
type Client struct {
	base   string
	hc     *http.Client
	stream *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base:   util.NormalizeURL(baseURL),
		hc:     &http.Client{Timeout: requestTimeout},
		stream: &http.Client{},
	}
}

// apiError carries the decoded error body of a failed call.
type apiError struct {
	status int
	body   errorBody
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

// currentFrom returns the record a status conflict reported, if any.
func currentFrom(err error) registry.CallRequest {
	var ae *apiError
	if errors.As(err, &ae) && ae.body.Request != nil {
		return *ae.body.Request
	}
	return registry.CallRequest{}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if json.Unmarshal(data, &eb) != nil {
			eb.Message = strings.TrimSpace(string(data))
		}
		return &apiError{status: resp.StatusCode, body: eb, err: errorFromBody(resp.StatusCode, eb)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func callPath(id string, action ...string) string {
	p := "/api/calls/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

func (c *Client) Create(ctx context.Context, applicantID string, kind registry.CallKind) (registry.CallRequest, error) {
	var out registry.CallRequest
	err := c.do(ctx, http.MethodPost, "/api/calls", map[string]any{"applicant_id": applicantID, "kind": kind}, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (registry.CallRequest, error) {
	var out registry.CallRequest
	err := c.do(ctx, http.MethodGet, callPath(id), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, f registry.Filter) ([]registry.CallRequest, error) {
	var out []registry.CallRequest
	path := "/api/calls"
	if q := filterQuery(f).Encode(); q != "" {
		path += "?" + q
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Accept(ctx context.Context, id, reviewerID, _ string) (registry.CallRequest, error) {
	var out registry.CallRequest
	if err := c.do(ctx, http.MethodPost, callPath(id, "accept"), map[string]any{"reviewer_id": reviewerID}, &out); err != nil {
		return currentFrom(err), err
	}
	return out, nil
}

// AcceptExternal claims an external request; the server attaches the
// meeting link.
func (c *Client) AcceptExternal(ctx context.Context, id, reviewerID string) (registry.CallRequest, error) {
	var out registry.CallRequest
	if err := c.do(ctx, http.MethodPost, callPath(id, "accept"), map[string]any{"reviewer_id": reviewerID, "external": true}, &out); err != nil {
		return currentFrom(err), err
	}
	return out, nil
}

func (c *Client) Advance(ctx context.Context, id string, to registry.Status) (registry.CallRequest, error) {
	var out registry.CallRequest
	if err := c.do(ctx, http.MethodPost, callPath(id, "advance"), map[string]any{"status": to}, &out); err != nil {
		return currentFrom(err), err
	}
	return out, nil
}

func (c *Client) End(ctx context.Context, id, reason string) (registry.CallRequest, error) {
	var out registry.CallRequest
	err := c.do(ctx, http.MethodPost, callPath(id, "end"), map[string]any{"reason": reason}, &out)
	return out, err
}

func (c *Client) Conclude(ctx context.Context, id string, o registry.Outcome, notes string) (registry.CallRequest, error) {
	var out registry.CallRequest
	if err := c.do(ctx, http.MethodPost, callPath(id, "conclude"), map[string]any{"outcome": o, "notes": notes}, &out); err != nil {
		return currentFrom(err), err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, id string) (registry.CallRequest, error) {
	var out registry.CallRequest
	err := c.do(ctx, http.MethodPost, callPath(id, "heartbeat"), nil, &out)
	return out, err
}

// Queue returns the waiting requests in the server's review order.
func (c *Client) Queue(ctx context.Context) ([]registry.CallRequest, error) {
	var out []registry.CallRequest
	err := c.do(ctx, http.MethodGet, "/api/queue", nil, &out)
	return out, err
}

func (c *Client) Apply(ctx context.Context, d outcome.Decision) (outcome.VerificationRecord, error) {
	var out outcome.VerificationRecord
	err := c.do(ctx, http.MethodPost, "/api/verification/apply", d, &out)
	return out, err
}

func (c *Client) Verification(ctx context.Context, applicantID string) (outcome.VerificationRecord, error) {
	var out outcome.VerificationRecord
	err := c.do(ctx, http.MethodGet, "/api/verification/"+url.PathEscape(applicantID), nil, &out)
	return out, err
}

// Watch follows the server's change feed. It returns once the feed is
// connected, or after a connect timeout with the feed still retrying in the
// background. After a reconnect every matching request is re-sent as a
// change without Previous, since the feed does not replay what it missed.
// The channel closes after cancel.
func (c *Client) Watch(f registry.Filter) (<-chan registry.Change, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan registry.Change)
	ready := make(chan struct{})
	done := make(chan struct{})

	markReady := sync.OnceFunc(func() { close(ready) })
	go func() {
		defer close(done)
		defer close(out)
		defer markReady()
		for attempt := 0; ; attempt++ {
			onConnected := func() error {
				markReady()
				return nil
			}
			if attempt > 0 {
				onConnected = func() error {
					markReady()
					return c.resync(ctx, f, out)
				}
			}
			err := c.follow(ctx, f, out, onConnected)
			if ctx.Err() != nil {
				return
			}
			log.Warnf("API: change feed dropped: %v; reconnecting in %s", err, reconnectBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}()

	select {
	case <-ready:
	case <-time.After(util.DefaultConnectTimeout):
		log.Warnf("API: change feed not connected after %s", util.DefaultConnectTimeout)
	}

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// resync emits the current copy of every request matching f.
func (c *Client) resync(ctx context.Context, f registry.Filter, out chan<- registry.Change) error {
	reqs, err := c.List(ctx, f)
	if err != nil {
		return fmt.Errorf("re-list after reconnect: %w", err)
	}
	log.Debugf("API: change feed reconnected, re-sending %d requests", len(reqs))
	for _, r := range reqs {
		select {
		case out <- registry.Change{Request: r}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) follow(ctx context.Context, f registry.Filter, out chan<- registry.Change, onConnected func() error) error {
	path := "/api/calls/events"
	if q := filterQuery(f).Encode(); q != "" {
		path += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("change feed returned %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatchEvent(ctx, event, data, out, onConnected); err != nil {
				return err
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func dispatchEvent(ctx context.Context, event, data string, out chan<- registry.Change, onConnected func() error) error {
	switch event {
	case "connected":
		return onConnected()
	case "change":
		var c registry.Change
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Warnf("API: bad change event: %v", err)
			return nil
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
