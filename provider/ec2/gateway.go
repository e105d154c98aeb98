// Package ec2 implements the provider gateway on top of the AWS EC2 API.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/samber/lo"
)

// API is the subset of the EC2 client used by the gateway.
type API interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(context.Context, *ec2.DescribeImagesInput, ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeRegions(context.Context, *ec2.DescribeRegionsInput, ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

var _ API = (*ec2.Client)(nil)

type Gateway struct {
	api API
	log *slog.Logger
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates a gateway for the given cloud, using the default AWS credential chain. When
// the cloud names a credentials profile, it is looked up in the shared configuration files.
func New(ctx context.Context, cloud *fleet.CloudProfile, logger *slog.Logger) (*Gateway, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(cloud.Region)}
	if cloud.Credentials != "" {
		options = append(options, config.WithSharedConfigProfile(cloud.Credentials))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config for cloud '%s': %w", cloud.Name, err)
	}

	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if cloud.Endpoint != "" {
			o.BaseEndpoint = aws.String(cloud.Endpoint)
		}
	})
	return NewWithAPI(client, logger), nil
}

func NewWithAPI(api API, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{api: api, log: logger}
}

func (g *Gateway) LaunchInstance(ctx context.Context, spec provider.LaunchSpec) (string, error) {
	input := runInstancesInput(spec)

	output, err := g.api.RunInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(output.Instances) == 0 || output.Instances[0].InstanceId == nil {
		return "", errors.New("run instances returned no instance")
	}

	id := aws.ToString(output.Instances[0].InstanceId)
	g.log.Debug("Instance launched", "instance", id, "name", spec.Name, "image", spec.ImageID, "type", spec.InstanceType, "subnet", spec.SubnetID)
	return id, nil
}

func runInstancesInput(spec provider.LaunchSpec) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}

	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.Zone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(spec.Zone)}
	}
	if spec.IAMInstanceProfile != "" {
		if strings.HasPrefix(spec.IAMInstanceProfile, "arn:") {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(spec.IAMInstanceProfile)}
		} else {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.IAMInstanceProfile)}
		}
	}

	// Subnet and security groups move to the network interface when a public IP is requested
	if spec.AssociatePublicIP {
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			SubnetId:                 optionalString(spec.SubnetID),
			Groups:                   spec.SecurityGroups,
		}}
	} else {
		input.SubnetId = optionalString(spec.SubnetID)
		input.SecurityGroupIds = spec.SecurityGroups
	}

	if len(spec.Tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toTags(spec.Tags),
		}}
	}

	for _, device := range spec.BlockDevices {
		mapping := types.BlockDeviceMapping{DeviceName: aws.String(device.DeviceName)}
		if device.EBS != nil {
			mapping.Ebs = &types.EbsBlockDevice{
				SnapshotId:          optionalString(device.EBS.SnapshotID),
				VolumeType:          types.VolumeType(device.EBS.VolumeType),
				Encrypted:           device.EBS.Encrypted,
				DeleteOnTermination: device.EBS.DeleteOnTermination,
			}
			if device.EBS.VolumeSize > 0 {
				mapping.Ebs.VolumeSize = aws.Int32(device.EBS.VolumeSize)
			}
		}
		input.BlockDeviceMappings = append(input.BlockDeviceMappings, mapping)
	}

	if spec.Spot != nil {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
				MaxPrice:                     optionalString(spec.Spot.MaxPrice),
			},
		}
	}

	return input
}

func (g *Gateway) DescribeInstances(ctx context.Context, query provider.Query) ([]provider.InstanceStatus, error) {
	input := &ec2.DescribeInstancesInput{}
	// Filtering on instance-id instead of InstanceIds avoids failing the whole call on unknown ids
	if len(query.IDs) > 0 {
		input.Filters = append(input.Filters, types.Filter{Name: aws.String("instance-id"), Values: query.IDs})
	}
	for _, key := range sortedKeys(query.Tags) {
		input.Filters = append(input.Filters, types.Filter{Name: aws.String("tag:" + key), Values: []string{query.Tags[key]}})
	}

	var statuses []provider.InstanceStatus
	paginator := ec2.NewDescribeInstancesPaginator(g.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				statuses = append(statuses, toStatus(instance))
			}
		}
	}
	return statuses, nil
}

func toStatus(instance types.Instance) provider.InstanceStatus {
	status := provider.InstanceStatus{
		ID: aws.ToString(instance.InstanceId),
		Addresses: fleet.Addresses{
			PublicDNS:  aws.ToString(instance.PublicDnsName),
			PublicIP:   aws.ToString(instance.PublicIpAddress),
			PrivateDNS: aws.ToString(instance.PrivateDnsName),
			PrivateIP:  aws.ToString(instance.PrivateIpAddress),
		},
		Platform:   strings.ToLower(string(instance.Platform)),
		Spot:       instance.InstanceLifecycle == types.InstanceLifecycleTypeSpot,
		Tags:       fromTags(instance.Tags),
		LaunchTime: aws.ToTime(instance.LaunchTime),
	}
	if instance.State != nil {
		status.State = provider.InstanceState(instance.State.Name)
	}
	if instance.StateReason != nil {
		status.StateReason = aws.ToString(instance.StateReason.Code)
		status.StateMessage = aws.ToString(instance.StateReason.Message)
	}
	return status
}

func (g *Gateway) DescribeImages(ctx context.Context, query fleet.ImageQuery) ([]fleet.Image, error) {
	input := &ec2.DescribeImagesInput{
		ImageIds:        query.ImageIDs,
		Owners:          query.Owners,
		ExecutableUsers: query.Users,
	}
	for _, filter := range query.Filters {
		input.Filters = append(input.Filters, types.Filter{Name: aws.String(filter.Name), Values: filter.Values})
	}

	output, err := g.api.DescribeImages(ctx, input)
	if err != nil {
		return nil, err
	}

	return lo.Map(output.Images, func(image types.Image, _ int) fleet.Image {
		return toImage(image, g.log)
	}), nil
}

func toImage(image types.Image, logger *slog.Logger) fleet.Image {
	result := fleet.Image{
		ID:             aws.ToString(image.ImageId),
		Name:           aws.ToString(image.Name),
		RootDeviceType: string(image.RootDeviceType),
		RootDeviceName: aws.ToString(image.RootDeviceName),
		Platform:       strings.ToLower(string(image.Platform)),
		BlockDevices: lo.Map(image.BlockDeviceMappings, func(mapping types.BlockDeviceMapping, _ int) fleet.BlockDevice {
			device := fleet.BlockDevice{DeviceName: aws.ToString(mapping.DeviceName)}
			if mapping.Ebs != nil {
				device.EBS = &fleet.EBSVolume{
					SnapshotID:          aws.ToString(mapping.Ebs.SnapshotId),
					VolumeSize:          aws.ToInt32(mapping.Ebs.VolumeSize),
					VolumeType:          string(mapping.Ebs.VolumeType),
					Encrypted:           mapping.Ebs.Encrypted,
					DeleteOnTermination: mapping.Ebs.DeleteOnTermination,
				}
			}
			return device
		}),
	}
	if created := aws.ToString(image.CreationDate); created != "" {
		date, err := time.Parse(time.RFC3339, created)
		if err != nil {
			logger.Warn("Unable to parse image creation date", "image", result.ID, "date", created, "error", err)
		}
		result.CreationDate = date
	}
	return result
}

func (g *Gateway) TagResources(ctx context.Context, ids []string, tags map[string]string) error {
	_, err := g.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: ids,
		Tags:      toTags(tags),
	})
	return err
}

func (g *Gateway) TerminateInstances(ctx context.Context, ids []string) error {
	_, err := g.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return err
}

func (g *Gateway) DescribeRegions(ctx context.Context) ([]string, error) {
	output, err := g.api.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, err
	}

	regions := lo.Map(output.Regions, func(region types.Region, _ int) string {
		return aws.ToString(region.RegionName)
	})
	slices.Sort(regions)
	return regions, nil
}

func toTags(tags map[string]string) []types.Tag {
	return lo.Map(sortedKeys(tags), func(key string, _ int) types.Tag {
		return types.Tag{Key: aws.String(key), Value: aws.String(tags[key])}
	})
}

func fromTags(tags []types.Tag) map[string]string {
	return lo.Associate(tags, func(tag types.Tag) (string, string) {
		return aws.ToString(tag.Key), aws.ToString(tag.Value)
	})
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
