package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

type SSHConfig struct {
	Signer  ssh.Signer    `json:"-"`
	KeyFile string        `json:"key-file"`
	User    string        `json:"user"`
	Port    int           `json:"port"`
	// Directory created on the agent once connected, empty to skip
	Workdir string        `json:"workdir"`
	// Deadline of the whole exchange, from TCP connect to the readiness command exit
	Timeout time.Duration `json:"timeout"`
}

func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		User:    "ec2-user",
		Port:    22,
		Timeout: 10 * time.Second,
	}
}

// SSH considers an instance ready once it accepts an SSH session and runs the readiness
// command successfully.
type SSH struct {
	config SSHConfig
	signer ssh.Signer
	log    *slog.Logger
}

func NewSSH(config SSHConfig, logger *slog.Logger) (*SSH, error) {
	signer := config.Signer
	if signer == nil {
		key, err := os.ReadFile(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		if signer, err = ssh.ParsePrivateKey(key); err != nil {
			return nil, fmt.Errorf("failed to parse ssh key '%s': %w", config.KeyFile, err)
		}
	}

	return &SSH{config: config, signer: signer, log: logger}, nil
}

func (s *SSH) Connect(ctx context.Context, target controller.ConnectTarget) error {
	user := lo.Ternary(target.Handshake.User != "", target.Handshake.User, s.config.User)
	port := lo.Ternary(target.Handshake.Port > 0, target.Handshake.Port, s.config.Port)
	address := net.JoinHostPort(target.Address, strconv.Itoa(port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to reach '%s': %w", address, err)
	}
	// Unblocks the handshake and the session when ctx ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if s.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, address, &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(s.signer),
		},
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with '%s' failed: %w", address, err)
	}
	client := ssh.NewClient(sshConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	command := s.command(target)
	s.log.Debug("Running readiness command", "instance", target.Instance, "address", address, "command", command)
	if output, err := session.CombinedOutput(command); err != nil {
		return fmt.Errorf("readiness command failed on '%s': %w: %s", address, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *SSH) command(target controller.ConnectTarget) string {
	switch {
	case target.Handshake.Command != "":
		return target.Handshake.Command
	case target.Platform == fleet.Windows:
		return "exit 0"
	case s.config.Workdir != "":
		return "mkdir -p " + shellescape.Quote(s.config.Workdir)
	default:
		return "true"
	}
}
