package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gammadia/farmhand/controller"
)

// TCP considers an instance ready once its handshake port accepts connections.
type TCP struct {
	timeout time.Duration
	log     *slog.Logger
}

func NewTCP(timeout time.Duration, logger *slog.Logger) *TCP {
	return &TCP{timeout: timeout, log: logger}
}

func (t *TCP) Connect(ctx context.Context, target controller.ConnectTarget) error {
	if target.Handshake.Port <= 0 {
		return fmt.Errorf("tcp handshake of instance '%s' has no port", target.Instance)
	}
	address := net.JoinHostPort(target.Address, strconv.Itoa(target.Handshake.Port))

	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to reach '%s': %w", address, err)
	}
	t.log.Debug("Port open", "instance", target.Instance, "address", address)
	return conn.Close()
}
