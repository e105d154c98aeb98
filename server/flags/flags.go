package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat       = "log-format"
	LogLevel        = "log-level"
	LogSource       = "log-source"
	Listen          = "listen"
	CloudConfig     = "cloud-config"
	Provider        = "provider"
	ShutdownTimeout = "shutdown-timeout"
	ProvisionWait   = "provision-wait"

	LabelMatch          = "label-match"
	ReconcileInterval   = "reconcile-interval"
	NotFoundGrace       = "not-found-grace"
	RetryAttempts       = "retry-attempts"
	RetryDelay          = "retry-delay"
	RetryMaxDelay       = "retry-max-delay"
	ConnectTimeout      = "connect-timeout"
	ConnectBackoff      = "connect-backoff"
	MaxConnectBackoff   = "max-connect-backoff"
	MaxConnectAttempts  = "max-connect-attempts"
	ConnectConcurrency  = "connect-concurrency"
	TerminateBackoff    = "terminate-backoff"
	MaxTerminateBackoff = "max-terminate-backoff"

	SSHKeyFile = "ssh-key-file"
	SSHUser    = "ssh-user"
	SSHPort    = "ssh-port"
	SSHWorkdir = "ssh-workdir"

	LocalBootDelay = "local-boot-delay"
	LocalAddress   = "local-address"
)

var flags = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

func init() {
	// Daemon
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, "127.0.0.1:25380", "address of the HTTP API")
	flags.String(CloudConfig, "clouds.yaml", "file describing the clouds and their templates")
	flags.String(Provider, "ec2", "instance provider to use (ec2, local)")
	flags.Duration(ShutdownTimeout, 30*time.Second, "how long to wait for in-flight requests and launches on shutdown")
	flags.Duration(ProvisionWait, 15*time.Minute, "longest time a provisioning request waits for readiness")

	// Controllers
	flags.String(LabelMatch, "all", "how demanded labels match template labels (all, any)")
	flags.Duration(ReconcileInterval, 30*time.Second, "how often instances are reconciled with the provider")
	flags.Duration(NotFoundGrace, 0, "how long a new instance may be missing from provider results")
	flags.Int(RetryAttempts, 5, "attempts of throttled or failing provider calls")
	flags.Duration(RetryDelay, 100*time.Millisecond, "initial delay between provider call attempts")
	flags.Duration(RetryMaxDelay, 5*time.Second, "maximum delay between provider call attempts")
	flags.Duration(ConnectTimeout, 30*time.Second, "timeout of a single readiness handshake")
	flags.Duration(ConnectBackoff, 10*time.Second, "initial delay between readiness handshakes")
	flags.Duration(MaxConnectBackoff, 5*time.Minute, "maximum delay between readiness handshakes")
	flags.Int(MaxConnectAttempts, 20, "readiness handshakes before an instance is failed")
	flags.Int(ConnectConcurrency, 8, "readiness handshakes running at the same time")
	flags.Duration(TerminateBackoff, time.Minute, "initial delay before terminating again an instance still alive")
	flags.Duration(MaxTerminateBackoff, 30*time.Minute, "maximum delay between termination requests of an instance")

	// Handshakes
	flags.String(SSHKeyFile, "", "private key used for SSH handshakes")
	flags.String(SSHUser, "ec2-user", "default user of SSH handshakes")
	flags.Int(SSHPort, 22, "default port of SSH handshakes")
	flags.String(SSHWorkdir, "", "directory created on agents by the SSH handshake")

	// Local provider
	flags.Duration(LocalBootDelay, 5*time.Second, "boot time of local instances")
	flags.String(LocalAddress, "127.0.0.1", "address of local instances")
}

// Parse reads the command line and binds every flag to viper, with FARMHAND_ environment
// variables taking precedence over defaults.
func Parse(args []string) {
	if err := flags.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("farmhand")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
