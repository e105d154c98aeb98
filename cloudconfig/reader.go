package cloudconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"text/template"

	"github.com/gammadia/farmhand/fleet"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type ReadOptions struct {
	Logger *slog.Logger
	// Values available to the file as {{ .Params.name }}
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

type TemplateData struct {
	Env    map[string]string
	Params map[string]string
}

// Read loads, validates and normalizes the cloud profiles of a file.
func Read(file string, options ReadOptions) ([]*fleet.CloudProfile, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(buf, options)
}

func Parse(buf []byte, options ReadOptions) ([]*fleet.CloudProfile, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	source, err := evaluateTemplate(string(buf), options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var file File
	decoder := yaml.NewDecoder(strings.NewReader(source))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
	}
	if err := file.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}

	return file.Profiles(options.Logger), nil
}

func evaluateTemplate(source string, options ReadOptions) (string, error) {
	tmpl, err := template.New("clouds").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Env: lo.Associate(os.Environ(), func(env string) (string, string) {
			key, val, _ := strings.Cut(env, "=")
			return key, val
		}),
		Params: lo.Ternary(options.Params != nil, options.Params, map[string]string{}),
	}

	var output bytes.Buffer
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return output.String(), nil
}

// Profiles converts a validated file into cloud profiles.
func (file File) Profiles(logger *slog.Logger) []*fleet.CloudProfile {
	return lo.Map(file.Clouds, func(cloud Cloud, _ int) *fleet.CloudProfile {
		log := logger.With("cloud", cloud.Name)
		return &fleet.CloudProfile{
			Name:        cloud.Name,
			Region:      NormalizeRegion(cloud.Region),
			Endpoint:    normalizeEndpoint(cloud.Endpoint, log),
			Credentials: cloud.Credentials,
			InstanceCap: lo.Must(parseCap(cloud.InstanceCap)),
			Templates: lo.Map(cloud.Templates, func(template Template, _ int) *fleet.Template {
				return template.fleetTemplate(log.With("template", template.ID))
			}),
		}
	})
}

// NormalizeRegion maps legacy region names such as 'US_EAST_1' to their current form. Other
// names are kept as written.
func NormalizeRegion(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		return DefaultRegion
	}
	if strings.Contains(region, "_") {
		return strings.ToLower(strings.ReplaceAll(region, "_", "-"))
	}
	return region
}

// normalizeEndpoint drops malformed endpoints, falling back to the region default.
func normalizeEndpoint(endpoint string, log *slog.Logger) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		log.Warn("Ignoring malformed endpoint, using the region default", "endpoint", endpoint)
		return ""
	}
	return endpoint
}

// fleetTemplate must only be called on validated templates.
func (t Template) fleetTemplate(log *slog.Logger) *fleet.Template {
	strategy := fleet.BackwardsCompatibleStrategy(lo.FromPtr(t.UsePrivateDNSName), lo.FromPtr(t.ConnectUsingPublicIP), t.AssociatePublicIP)
	if t.ConnectionStrategy != "" {
		strategy = lo.Must(fleet.ParseConnectionStrategy(t.ConnectionStrategy))
	} else if t.UsePrivateDNSName != nil || t.ConnectUsingPublicIP != nil {
		log.Warn("Deprecated connection settings, use 'connection-strategy' instead", "connection-strategy", strategy)
	}

	handshake := t.Handshake
	handshake.Kind = lo.Must(parseHandshake(handshake.Kind))

	return &fleet.Template{
		ID:                      t.ID,
		AMI:                     strings.TrimSpace(t.AMI),
		AMIOwners:               t.AMIOwners,
		AMIUsers:                t.AMIUsers,
		AMIFilters:              t.AMIFilters,
		InstanceType:            t.InstanceType,
		Zone:                    t.Zone,
		Subnets:                 t.Subnets,
		SecurityGroups:          t.SecurityGroups,
		KeyName:                 t.KeyName,
		Labels:                  lo.Uniq(t.Labels),
		Mode:                    lo.Must(parseMode(t.Mode)),
		InstanceCap:             lo.Must(parseCap(t.InstanceCap)),
		Executors:               t.Executors,
		ConnectionStrategy:      strategy,
		LaunchTimeoutRaw:        t.LaunchTimeout,
		IdleTerminationMinutes:  t.IdleTerminationMinutes,
		Tags:                    t.Tags,
		RootVolumeEncryption:    lo.Must(parseEncryption(t.RootVolumeEncryption)),
		DeleteRootOnTermination: t.DeleteRootOnTermination,
		Platform:                lo.Must(fleet.ParsePlatform(t.Platform)),
		Spot:                    t.Spot,
		UserData:                t.UserData,
		IAMInstanceProfile:      t.IAMInstanceProfile,
		AssociatePublicIP:       t.AssociatePublicIP,
		Handshake:               handshake,
	}
}
