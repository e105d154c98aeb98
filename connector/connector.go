// Package connector establishes that running instances are ready to take builds.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
)

var ErrUnsupportedHandshake = errors.New("unsupported handshake")

type Config struct {
	Logger *slog.Logger `json:"-"`

	SSH  SSHConfig  `json:"ssh"`
	HTTP HTTPConfig `json:"http"`
	// Timeout of a plain TCP handshake
	DialTimeout time.Duration `json:"dial-timeout"`
}

func DefaultConfig() Config {
	return Config{
		SSH:         DefaultSSHConfig(),
		HTTP:        DefaultHTTPConfig(),
		DialTimeout: 10 * time.Second,
	}
}

func Validate(config Config) error {
	if config.SSH.Port <= 0 || config.HTTP.Port <= 0 {
		return errors.New("default handshake ports must be greater than 0")
	}
	if config.SSH.User == "" {
		return errors.New("ssh user must not be empty")
	}
	if config.HTTP.RetryMax < 0 {
		return errors.New("http retry-max must not be negative")
	}
	if config.DialTimeout <= 0 {
		return errors.New("dial-timeout must be greater than 0")
	}
	return nil
}

// Dispatcher picks the connector matching the handshake of each template.
type Dispatcher struct {
	connectors map[fleet.HandshakeKind]controller.Connector
	log        *slog.Logger
}

var _ controller.Connector = (*Dispatcher)(nil)

// New builds a dispatcher for every handshake kind. The SSH handshake is only available when
// a key is configured.
func New(config Config) (*Dispatcher, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid connector config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	d := &Dispatcher{
		connectors: map[fleet.HandshakeKind]controller.Connector{
			fleet.HandshakeHTTP: NewHTTP(config.HTTP, config.Logger),
			fleet.HandshakeTCP:  NewTCP(config.DialTimeout, config.Logger),
		},
		log: config.Logger,
	}

	if config.SSH.Signer != nil || config.SSH.KeyFile != "" {
		ssh, err := NewSSH(config.SSH, config.Logger)
		if err != nil {
			return nil, err
		}
		d.connectors[fleet.HandshakeSSH] = ssh
	} else {
		d.log.Warn("No SSH key configured, SSH handshakes will fail")
	}

	return d, nil
}

// Register replaces the connector used for a handshake kind.
func (d *Dispatcher) Register(kind fleet.HandshakeKind, connector controller.Connector) {
	d.connectors[kind] = connector
}

func (d *Dispatcher) Connect(ctx context.Context, target controller.ConnectTarget) error {
	kind := target.Handshake.Kind
	if kind == "" {
		kind = fleet.HandshakeSSH
	}

	connector, ok := d.connectors[kind]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedHandshake, kind)
	}
	return connector.Connect(ctx, target)
}
