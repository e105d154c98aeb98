// Package cloudconfig reads cloud profiles from a YAML file.
//
// The file is first evaluated as a text/template, so values such as credentials or subnets
// can come from the environment. Profiles are validated and normalized once, before they
// reach the controllers.
package cloudconfig

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gammadia/farmhand/fleet"
	"gopkg.in/yaml.v3"
)

const FileVersion = "1"

const DefaultRegion = "us-east-1"

type File struct {
	Version string  `yaml:"version"`
	Clouds  []Cloud `yaml:"clouds"`
}

type Cloud struct {
	Name        string `yaml:"name"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	Credentials string `yaml:"credentials"`
	// Empty means unlimited
	InstanceCap string     `yaml:"instance-cap"`
	Templates   []Template `yaml:"templates"`
}

type Template struct {
	ID                 string              `yaml:"id"`
	AMI                string              `yaml:"ami"`
	AMIOwners          string              `yaml:"ami-owners"`
	AMIUsers           string              `yaml:"ami-users"`
	AMIFilters         []fleet.ImageFilter `yaml:"ami-filters"`
	InstanceType       string              `yaml:"instance-type"`
	Zone               string              `yaml:"zone"`
	Subnets            string              `yaml:"subnets"`
	SecurityGroups     Words               `yaml:"security-groups"`
	KeyName            string              `yaml:"key-name"`
	Labels             Words               `yaml:"labels"`
	Mode               string              `yaml:"mode"`
	InstanceCap        string              `yaml:"instance-cap"`
	Executors          int                 `yaml:"executors"`
	ConnectionStrategy string              `yaml:"connection-strategy"`

	// Deprecated: use ConnectionStrategy
	UsePrivateDNSName *bool `yaml:"use-private-dns-name"`
	// Deprecated: use ConnectionStrategy
	ConnectUsingPublicIP *bool `yaml:"connect-using-public-ip"`

	LaunchTimeout           string             `yaml:"launch-timeout"`
	IdleTerminationMinutes  int                `yaml:"idle-termination-minutes"`
	Tags                    []fleet.Tag        `yaml:"tags"`
	RootVolumeEncryption    string             `yaml:"root-volume-encryption"`
	DeleteRootOnTermination bool               `yaml:"delete-root-on-termination"`
	Platform                string             `yaml:"platform"`
	Spot                    *fleet.SpotOptions `yaml:"spot"`
	UserData                string             `yaml:"user-data"`
	IAMInstanceProfile      string             `yaml:"iam-instance-profile"`
	AssociatePublicIP       bool               `yaml:"associate-public-ip"`
	Handshake               fleet.Handshake    `yaml:"handshake"`
}

// Words is a list given either as a YAML sequence or as a single string separated by spaces
// or commas.
type Words []string

func (w *Words) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*w = strings.FieldsFunc(value.Value, func(r rune) bool {
			return r == ' ' || r == ',' || r == '\t' || r == '\n'
		})
		return nil
	case yaml.SequenceNode:
		var words []string
		if err := value.Decode(&words); err != nil {
			return err
		}
		*w = words
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func (file File) Validate() error {
	if file.Version != FileVersion {
		return fmt.Errorf("unsupported version '%s'", file.Version)
	}
	if len(file.Clouds) == 0 {
		return fmt.Errorf("at least one cloud is required")
	}

	var names []string
	for i, cloud := range file.Clouds {
		if !nameRegex.MatchString(cloud.Name) {
			return fmt.Errorf("clouds[%d].name must be a valid identifier", i)
		}
		if slices.Contains(names, cloud.Name) {
			return fmt.Errorf("clouds[%s] is defined more than once", cloud.Name)
		}
		names = append(names, cloud.Name)

		if err := cloud.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (cloud Cloud) validate() error {
	if _, err := parseCap(cloud.InstanceCap); err != nil {
		return fmt.Errorf("clouds[%s].instance-cap %w", cloud.Name, err)
	}

	var ids []string
	for i, template := range cloud.Templates {
		if !nameRegex.MatchString(template.ID) {
			return fmt.Errorf("clouds[%s].templates[%d].id must be a valid identifier", cloud.Name, i)
		}
		if slices.Contains(ids, template.ID) {
			return fmt.Errorf("clouds[%s].templates[%s] is defined more than once", cloud.Name, template.ID)
		}
		ids = append(ids, template.ID)

		if err := template.validate(); err != nil {
			return fmt.Errorf("clouds[%s].templates[%s].%w", cloud.Name, template.ID, err)
		}
	}
	return nil
}

func (template Template) validate() error {
	if template.InstanceType == "" {
		return fmt.Errorf("instance-type is required")
	}
	image := fleet.Template{AMI: template.AMI, AMIOwners: template.AMIOwners, AMIUsers: template.AMIUsers, AMIFilters: template.AMIFilters}
	if _, err := image.ImageQuery(); err != nil {
		return fmt.Errorf("ami: %w", err)
	}
	if _, err := parseCap(template.InstanceCap); err != nil {
		return fmt.Errorf("instance-cap %w", err)
	}
	if template.Executors < 0 {
		return fmt.Errorf("executors must not be negative")
	}
	if _, err := parseMode(template.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if _, err := parseEncryption(template.RootVolumeEncryption); err != nil {
		return fmt.Errorf("root-volume-encryption: %w", err)
	}
	if _, err := fleet.ParsePlatform(template.Platform); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	if template.ConnectionStrategy != "" {
		if _, err := fleet.ParseConnectionStrategy(template.ConnectionStrategy); err != nil {
			return fmt.Errorf("connection-strategy: %w", err)
		}
	}
	if _, err := parseHandshake(template.Handshake.Kind); err != nil {
		return fmt.Errorf("handshake.kind: %w", err)
	}
	if template.Handshake.Port < 0 || template.Handshake.Port > 65535 {
		return fmt.Errorf("handshake.port must be a valid port")
	}
	return nil
}

// parseCap reads an instance cap. Empty and non-positive values mean unlimited.
func parseCap(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be a number, got '%s'", raw)
	}
	return max(limit, 0), nil
}

func parseMode(raw string) (fleet.Mode, error) {
	switch mode := fleet.Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return fleet.Normal, nil
	case fleet.Normal, fleet.Exclusive:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown mode '%s'", raw)
	}
}

func parseEncryption(raw string) (fleet.RootVolumeEncryption, error) {
	switch encryption := fleet.RootVolumeEncryption(strings.ToLower(strings.TrimSpace(raw))); encryption {
	case "":
		return fleet.EncryptionDefault, nil
	case fleet.EncryptionDefault, fleet.EncryptionEnabled, fleet.EncryptionDisabled:
		return encryption, nil
	default:
		return "", fmt.Errorf("unknown encryption policy '%s'", raw)
	}
}

func parseHandshake(kind fleet.HandshakeKind) (fleet.HandshakeKind, error) {
	switch normalized := fleet.HandshakeKind(strings.ToLower(string(kind))); normalized {
	case "":
		return fleet.HandshakeSSH, nil
	case fleet.HandshakeSSH, fleet.HandshakeHTTP, fleet.HandshakeTCP:
		return normalized, nil
	default:
		return "", fmt.Errorf("unknown handshake '%s'", kind)
	}
}
