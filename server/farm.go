package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gammadia/farmhand/connector"
	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/gammadia/farmhand/provider/ec2"
	"github.com/gammadia/farmhand/provider/local"
	"github.com/gammadia/farmhand/server/flags"
	"github.com/gammadia/farmhand/server/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

var errUnknownCloud = errors.New("unknown cloud")

// farm groups the controllers of every configured cloud. They share one capacity tracker and
// one metrics registry.
type farm struct {
	controllers []*controller.Controller
	workers     []*controller.Worker
	capacity    *controller.CapacityTracker
	registry    *prometheus.Registry
	log         *slog.Logger
}

type gatewayFactory func(ctx context.Context, cloud *fleet.CloudProfile) (provider.Gateway, error)

func newFarm(ctx context.Context, profiles []*fleet.CloudProfile, gateways gatewayFactory, connector controller.Connector, config controller.Config) (*farm, error) {
	f := &farm{
		capacity: controller.NewCapacityTracker(),
		registry: prometheus.NewRegistry(),
		log:      lo.Ternary(config.Logger != nil, config.Logger, slog.Default()),
	}
	f.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	config.Registerer = f.registry

	for _, cloud := range profiles {
		gateway, err := gateways(ctx, cloud)
		if err != nil {
			return nil, fmt.Errorf("unable to create gateway for cloud '%s': %w", cloud.Name, err)
		}
		c, err := controller.New(cloud, gateway, connector, f.capacity, config)
		if err != nil {
			return nil, fmt.Errorf("unable to create controller for cloud '%s': %w", cloud.Name, err)
		}
		f.controllers = append(f.controllers, c)
	}
	return f, nil
}

func (f *farm) start() {
	for _, c := range f.controllers {
		f.workers = append(f.workers, controller.NewWorker(c))
	}
}

// stop waits for reconciliation passes and launches in flight.
func (f *farm) stop() {
	for _, worker := range f.workers {
		worker.Kill()
	}
	for _, worker := range f.workers {
		if err := worker.Wait(); err != nil {
			f.log.Error("Reconciliation worker failed", "error", err)
		}
	}
	for _, c := range f.controllers {
		c.Wait()
	}
}

func (f *farm) controller(cloud string) (*controller.Controller, error) {
	c, ok := lo.Find(f.controllers, func(c *controller.Controller) bool { return c.Cloud().Name == cloud })
	if !ok {
		return nil, fmt.Errorf("%w '%s'", errUnknownCloud, cloud)
	}
	return c, nil
}

func (f *farm) instance(id string) (*controller.Instance, bool) {
	for _, c := range f.controllers {
		if instance, ok := c.Instance(id); ok {
			return instance, true
		}
	}
	return nil, false
}

// provision launches instances on the given cloud, or on the first cloud able to serve the
// labels when cloud is empty. A positive workload is the number of builds waiting.
func (f *farm) provision(ctx context.Context, cloud string, labels []string, workload int) ([]*controller.Instance, error) {
	candidates := f.controllers
	if cloud != "" {
		c, err := f.controller(cloud)
		if err != nil {
			return nil, err
		}
		candidates = []*controller.Controller{c}
	}

	var errs []error
	for _, c := range candidates {
		instances, err := provisionOn(ctx, c, labels, workload)
		if err == nil {
			return instances, nil
		}
		if !errors.Is(err, controller.ErrNoMatchingTemplate) && !errors.Is(err, controller.ErrNoCapacity) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no cloud configured")
	}
	return nil, errors.Join(errs...)
}

func provisionOn(ctx context.Context, c *controller.Controller, labels []string, workload int) ([]*controller.Instance, error) {
	if workload > 0 {
		return c.ProvisionWorkload(ctx, labels, workload)
	}
	instance, err := c.Provision(ctx, labels)
	if err != nil {
		return nil, err
	}
	return []*controller.Instance{instance}, nil
}

func createGateways() (gatewayFactory, error) {
	switch p := viper.GetString(flags.Provider); p {
	case "ec2":
		return func(ctx context.Context, cloud *fleet.CloudProfile) (provider.Gateway, error) {
			return ec2.New(ctx, cloud, log.Component("ec2").With("cloud", cloud.Name))
		}, nil

	case "local":
		return func(_ context.Context, cloud *fleet.CloudProfile) (provider.Gateway, error) {
			return local.New(local.Config{
				Logger:    log.Component("local").With("cloud", cloud.Name),
				BootDelay: viper.GetDuration(flags.LocalBootDelay),
				Address:   viper.GetString(flags.LocalAddress),
				Regions:   []string{cloud.Region},
			}), nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown provider '%s'", p)
	}
}

func controllerConfig() controller.Config {
	config := controller.DefaultConfig()
	config.Logger = log.Component("controller")
	config.LabelMatch = controller.LabelMatch(viper.GetString(flags.LabelMatch))
	config.ReconcileInterval = viper.GetDuration(flags.ReconcileInterval)
	config.NotFoundGrace = viper.GetDuration(flags.NotFoundGrace)
	config.Retry.Attempts = viper.GetInt(flags.RetryAttempts)
	config.Retry.Delay = viper.GetDuration(flags.RetryDelay)
	config.Retry.MaxDelay = viper.GetDuration(flags.RetryMaxDelay)
	config.ConnectTimeout = viper.GetDuration(flags.ConnectTimeout)
	config.ConnectBackoff = viper.GetDuration(flags.ConnectBackoff)
	config.MaxConnectBackoff = viper.GetDuration(flags.MaxConnectBackoff)
	config.MaxConnectAttempts = viper.GetInt(flags.MaxConnectAttempts)
	config.ConnectConcurrency = viper.GetInt(flags.ConnectConcurrency)
	config.TerminateBackoff = viper.GetDuration(flags.TerminateBackoff)
	config.MaxTerminateBackoff = viper.GetDuration(flags.MaxTerminateBackoff)
	return config
}

func connectorConfig() connector.Config {
	config := connector.DefaultConfig()
	config.Logger = log.Component("connector")
	config.SSH.KeyFile = viper.GetString(flags.SSHKeyFile)
	config.SSH.User = viper.GetString(flags.SSHUser)
	config.SSH.Port = viper.GetInt(flags.SSHPort)
	config.SSH.Workdir = viper.GetString(flags.SSHWorkdir)
	return config
}
