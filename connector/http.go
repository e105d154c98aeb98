package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gammadia/farmhand/controller"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
)

type HTTPConfig struct {
	Port         int           `json:"port"`
	Path         string        `json:"path"`
	RetryMax     int           `json:"retry-max"`
	RetryWaitMin time.Duration `json:"retry-wait-min"`
	RetryWaitMax time.Duration `json:"retry-wait-max"`
	Timeout      time.Duration `json:"timeout"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:         80,
		Path:         "/",
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		Timeout:      5 * time.Second,
	}
}

// HTTP considers an instance ready once its health endpoint answers with a 2xx status.
type HTTP struct {
	config HTTPConfig
	client *retryablehttp.Client
	log    *slog.Logger
}

func NewHTTP(config HTTPConfig, logger *slog.Logger) *HTTP {
	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = logger.With("component", "http-handshake")

	return &HTTP{config: config, client: client, log: logger}
}

func (h *HTTP) Connect(ctx context.Context, target controller.ConnectTarget) error {
	port := lo.Ternary(target.Handshake.Port > 0, target.Handshake.Port, h.config.Port)
	path := lo.Ternary(target.Handshake.Path != "", target.Handshake.Path, h.config.Path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(target.Address, strconv.Itoa(port)), path)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check on '%s' failed: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check on '%s' answered %s", url, resp.Status)
	}
	h.log.Debug("Health check passed", "instance", target.Instance, "url", url)
	return nil
}
