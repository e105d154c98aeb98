package fleet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/samber/lo"
)

type Mode string

const (
	// Normal templates accept any demand, including demand without labels.
	Normal Mode = "normal"
	// Exclusive templates only serve demand whose labels match.
	Exclusive Mode = "exclusive"
)

type RootVolumeEncryption string

const (
	EncryptionDefault  RootVolumeEncryption = "default"
	EncryptionEnabled  RootVolumeEncryption = "encrypted"
	EncryptionDisabled RootVolumeEncryption = "unencrypted"
)

// UnboundedLaunchTimeout is the launch timeout, in seconds, of templates without a usable one.
const UnboundedLaunchTimeout = math.MaxInt32

// Value returns the explicit encryption flag, or nil to keep the image default.
func (e RootVolumeEncryption) Value() *bool {
	switch e {
	case EncryptionEnabled:
		return lo.ToPtr(true)
	case EncryptionDisabled:
		return lo.ToPtr(false)
	default:
		return nil
	}
}

type Tag struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

type ImageFilter struct {
	Name   string `yaml:"name" json:"name"`
	Values string `yaml:"values" json:"values"`
}

type SpotOptions struct {
	MaxPrice           string `yaml:"max-price" json:"max-price,omitempty"`
	FallbackToOnDemand bool   `yaml:"fallback-to-on-demand" json:"fallback-to-on-demand"`
}

type HandshakeKind string

const (
	HandshakeSSH  HandshakeKind = "ssh"
	HandshakeHTTP HandshakeKind = "http"
	HandshakeTCP  HandshakeKind = "tcp"
)

// Handshake describes how readiness of a running instance is established.
type Handshake struct {
	Kind    HandshakeKind `yaml:"kind" json:"kind"`
	Port    int           `yaml:"port" json:"port,omitempty"`
	User    string        `yaml:"user" json:"user,omitempty"`
	Path    string        `yaml:"path" json:"path,omitempty"`
	Command string        `yaml:"command" json:"command,omitempty"`
}

// Template is a recipe for launching build agents.
//
// Templates are shared by concurrent provisioning calls and must not be copied once in use:
// everything is read-only except the subnet cursor.
type Template struct {
	ID                      string               `json:"id"`
	AMI                     string               `json:"ami,omitempty"`
	AMIOwners               string               `json:"ami-owners,omitempty"`
	AMIUsers                string               `json:"ami-users,omitempty"`
	AMIFilters              []ImageFilter        `json:"ami-filters,omitempty"`
	InstanceType            string               `json:"instance-type"`
	Zone                    string               `json:"zone,omitempty"`
	Subnets                 string               `json:"subnets,omitempty"`
	SecurityGroups          []string             `json:"security-groups,omitempty"`
	KeyName                 string               `json:"key-name,omitempty"`
	Labels                  []string             `json:"labels"`
	Mode                    Mode                 `json:"mode"`
	InstanceCap             int                  `json:"instance-cap"`
	Executors               int                  `json:"executors"`
	ConnectionStrategy      ConnectionStrategy   `json:"connection-strategy"`
	LaunchTimeoutRaw        string               `json:"launch-timeout,omitempty"`
	IdleTerminationMinutes  int                  `json:"idle-termination-minutes"`
	Tags                    []Tag                `json:"tags,omitempty"`
	RootVolumeEncryption    RootVolumeEncryption `json:"root-volume-encryption"`
	DeleteRootOnTermination bool                 `json:"delete-root-on-termination"`
	Platform                Platform             `json:"platform"`
	Spot                    *SpotOptions         `json:"spot,omitempty"`
	UserData                string               `json:"-"`
	IAMInstanceProfile      string               `json:"iam-instance-profile,omitempty"`
	AssociatePublicIP       bool                 `json:"associate-public-ip"`
	Handshake               Handshake            `json:"handshake"`

	subnetMu   sync.Mutex
	nextSubnet int
}

// ParseLaunchTimeout converts a launch timeout in seconds. Empty, malformed or non-positive
// values mean the launch is never timed out.
func ParseLaunchTimeout(raw string) int {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		return UnboundedLaunchTimeout
	}
	return seconds
}

func (t *Template) LaunchTimeoutSeconds() int {
	return ParseLaunchTimeout(t.LaunchTimeoutRaw)
}

func (t *Template) LaunchTimeout() time.Duration {
	return time.Duration(t.LaunchTimeoutSeconds()) * time.Second
}

// IdleTimeout is zero when idle instances are kept forever.
func (t *Template) IdleTimeout() time.Duration {
	return time.Duration(max(t.IdleTerminationMinutes, 0)) * time.Minute
}

func (t *Template) ExecutorCount() int {
	return max(t.Executors, 1)
}

func (t *Template) Spotted() bool {
	return t.Spot != nil
}

// SplitSubnets splits a subnet list on spaces, commas and semicolons.
func SplitSubnets(subnets string) []string {
	return strings.FieldsFunc(subnets, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
}

// ChooseSubnet returns the next subnet in round-robin order, or "" when none is configured.
func (t *Template) ChooseSubnet() string {
	subnets := SplitSubnets(t.Subnets)
	if len(subnets) == 0 {
		return ""
	}

	t.subnetMu.Lock()
	defer t.subnetMu.Unlock()

	if t.nextSubnet >= len(subnets) {
		t.nextSubnet = 0
	}
	subnet := subnets[t.nextSubnet]
	t.nextSubnet = (t.nextSubnet + 1) % len(subnets)
	return subnet
}

func (t *Template) String() string {
	return fmt.Sprintf("%s (%s)", t.ID, t.InstanceType)
}
