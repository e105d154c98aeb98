package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefaultConfig(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidateLabelMatch(t *testing.T) {
	config := DefaultConfig()
	config.LabelMatch = "some"
	assert.EqualError(t, Validate(config), "label-match must be 'all' or 'any'")
}

func TestValidateConnectConcurrencyMustBePositive(t *testing.T) {
	config := DefaultConfig()
	config.ConnectConcurrency = 0
	assert.EqualError(t, Validate(config), "connect-concurrency must be greater than 0")
}

func TestValidateMaxConnectAttemptsMustBePositive(t *testing.T) {
	config := DefaultConfig()
	config.MaxConnectAttempts = 0
	assert.EqualError(t, Validate(config), "max-connect-attempts must be greater than 0")
}

func TestValidateRetryPolicy(t *testing.T) {
	config := DefaultConfig()
	config.Retry.Attempts = 0
	assert.EqualError(t, Validate(config), "retry attempts must be greater than 0")
}

func TestValidateTerminateBackoffMustNotBeNegative(t *testing.T) {
	config := DefaultConfig()
	config.MaxTerminateBackoff = -time.Minute
	assert.EqualError(t, Validate(config), "terminate-backoff must not be negative")
}
