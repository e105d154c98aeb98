package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/farmhand/provider"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Logger     *slog.Logger          `json:"-"`
	Clock      clock.Clock           `json:"-"`
	Registerer prometheus.Registerer `json:"-"`

	Retry              provider.RetryPolicy `json:"retry"`
	LabelMatch         LabelMatch           `json:"label-match"`
	ReconcileInterval  time.Duration        `json:"reconcile-interval"`
	ConnectTimeout     time.Duration        `json:"connect-timeout"`
	ConnectBackoff     time.Duration        `json:"connect-backoff"`
	MaxConnectBackoff  time.Duration        `json:"max-connect-backoff"`
	MaxConnectAttempts int                  `json:"max-connect-attempts"`
	ConnectConcurrency int                  `json:"connect-concurrency"`
	DescribeBatchSize  int                  `json:"describe-batch-size"`

	// How long a pending instance may be missing from provider results before it is failed
	NotFoundGrace time.Duration `json:"not-found-grace"`

	// Delay before terminating again an instance the provider still reports alive
	TerminateBackoff    time.Duration `json:"terminate-backoff"`
	MaxTerminateBackoff time.Duration `json:"max-terminate-backoff"`
}

func DefaultConfig() Config {
	return Config{
		Retry:               provider.DefaultRetryPolicy(),
		LabelMatch:          LabelMatchAll,
		ReconcileInterval:   30 * time.Second,
		ConnectTimeout:      30 * time.Second,
		ConnectBackoff:      10 * time.Second,
		MaxConnectBackoff:   5 * time.Minute,
		MaxConnectAttempts:  20,
		ConnectConcurrency:  8,
		DescribeBatchSize:   100,
		TerminateBackoff:    time.Minute,
		MaxTerminateBackoff: 30 * time.Minute,
	}
}

func Validate(config Config) error {
	if err := config.Retry.Validate(); err != nil {
		return err
	}
	if config.LabelMatch != LabelMatchAll && config.LabelMatch != LabelMatchAny {
		return fmt.Errorf("label-match must be '%s' or '%s'", LabelMatchAll, LabelMatchAny)
	}
	if config.ReconcileInterval <= 0 {
		return errors.New("reconcile-interval must be greater than 0")
	}
	if config.ConnectTimeout <= 0 {
		return errors.New("connect-timeout must be greater than 0")
	}
	if config.ConnectBackoff < 0 || config.MaxConnectBackoff < 0 {
		return errors.New("connect-backoff must not be negative")
	}
	if config.MaxConnectAttempts < 1 {
		return errors.New("max-connect-attempts must be greater than 0")
	}
	if config.ConnectConcurrency < 1 {
		return errors.New("connect-concurrency must be greater than 0")
	}
	if config.NotFoundGrace < 0 {
		return errors.New("not-found-grace must not be negative")
	}
	if config.TerminateBackoff < 0 || config.MaxTerminateBackoff < 0 {
		return errors.New("terminate-backoff must not be negative")
	}
	if config.DescribeBatchSize < 1 {
		return errors.New("describe-batch-size must be greater than 0")
	}
	return nil
}
