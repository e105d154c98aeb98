package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/farmhand/api"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
)

// DaemonError is an answer of the daemon reporting a failure.
type DaemonError struct {
	StatusCode int
	Message    string
}

func (e *DaemonError) Error() string {
	return e.Message
}

// daemon talks to the HTTP API of farmhand.
type daemon struct {
	client *retryablehttp.Client
	base   string
}

func newDaemon(remote string, retries int, logger *slog.Logger) (*daemon, error) {
	if !strings.Contains(remote, "://") {
		remote = "http://" + remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote '%s': %w", remote, err)
	}
	if u.Port() == "" {
		u.Host += ":" + api.DefaultPort
	}

	client := retryablehttp.NewClient()
	client.RetryMax = max(retries-1, 0)
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = logger
	client.CheckRetry = checkRetry

	return &daemon{client: client, base: strings.TrimSuffix(u.String(), "/")}, nil
}

// checkRetry retries requests that did not reach the daemon. Once answered, only reads are
// retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (d *daemon) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, d.base+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	var answer struct {
		Ok    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("unexpected answer from daemon (%s): %w", resp.Status, err)
	}

	var errs []error
	if !answer.Ok {
		errs = append(errs, &DaemonError{StatusCode: resp.StatusCode, Message: lo.Ternary(answer.Error != "", answer.Error, resp.Status)})
	}
	if out != nil && len(answer.Data) > 0 && !bytes.Equal(answer.Data, []byte("null")) {
		if err := json.Unmarshal(answer.Data, out); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode answer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *daemon) status(ctx context.Context) (api.Status, error) {
	var status api.Status
	return status, d.call(ctx, http.MethodGet, "/status", nil, &status)
}

func (d *daemon) info(ctx context.Context) (api.ServerInfo, error) {
	var info api.ServerInfo
	return info, d.call(ctx, http.MethodGet, "/ping", nil, &info)
}
