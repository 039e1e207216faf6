package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/store"
)

// Remote calls the API of a running daemon.
type Remote struct {
	base   string
	client *http.Client
}

// NewRemote creates a Remote for the API at addr (host:port or URL).
func NewRemote(addr string) *Remote {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Remote{
		base:   strings.TrimSuffix(addr, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Remote) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return errors.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

// Status returns the daemon status document.
func (c *Remote) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Send implements Commander over HTTP.
func (c *Remote) Send(ctx context.Context, cmd relay.Command) (relay.Reply, error) {
	var reply relay.Reply
	err := c.do(ctx, http.MethodPost, "/api/commands", cmd, &reply)
	return reply, err
}

// Snapshots lists stored snapshots.
func (c *Remote) Snapshots(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := c.do(ctx, http.MethodGet, "/api/snapshots", nil, &out)
	return out, err
}

// Snapshot loads one fresh snapshot.
func (c *Remote) Snapshot(ctx context.Context, id string) (store.Entry, error) {
	var out store.Entry
	err := c.do(ctx, http.MethodGet, "/api/snapshots/"+url.PathEscape(id), nil, &out)
	return out, err
}

// DeleteSnapshot removes one snapshot.
func (c *Remote) DeleteSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/snapshots/"+url.PathEscape(id), nil, nil)
}

// PruneSnapshots drops stale snapshots and returns how many were removed.
func (c *Remote) PruneSnapshots(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/snapshots/prune", nil, &out)
	return out.Removed, err
}
