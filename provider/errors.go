package provider

import (
	"errors"
	"fmt"
	"maps"
	"net"

	"github.com/aws/smithy-go"
)

type ErrorClass int

const (
	// Fatal errors are returned immediately.
	Fatal ErrorClass = iota
	// Retryable errors are retried with backoff until attempts are exhausted.
	Retryable
	// Ignorable errors are logged and treated as success.
	Ignorable
)

func (c ErrorClass) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Ignorable:
		return "ignorable"
	default:
		return "fatal"
	}
}

const (
	CodeInstanceNotFound             = "InvalidInstanceID.NotFound"
	CodeInstanceIDMalformed          = "InvalidInstanceID.Malformed"
	CodeSpotRequestNotFound          = "InvalidSpotInstanceRequestID.NotFound"
	CodeRequestLimitExceeded         = "RequestLimitExceeded"
	CodeThrottling                   = "Throttling"
	CodeInternalError                = "InternalError"
	CodeServiceUnavailable           = "ServiceUnavailable"
	CodeUnavailable                  = "Unavailable"
	CodeInsufficientInstanceCapacity = "InsufficientInstanceCapacity"
	CodeMaxSpotInstanceCountExceeded = "MaxSpotInstanceCountExceeded"
	CodeSpotMaxPriceTooLow           = "SpotMaxPriceTooLow"
	CodeNetwork                      = "NetworkError"
)

// ErrorCode extracts the provider error code, or "" when err does not come from the provider.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetwork
	}
	return ""
}

// Classifier maps provider error codes to classes. Unknown codes are fatal.
type Classifier map[string]ErrorClass

func (c Classifier) Classify(err error) ErrorClass {
	if class, ok := c[ErrorCode(err)]; ok {
		return class
	}
	return Fatal
}

func (c Classifier) With(class ErrorClass, codes ...string) Classifier {
	classifier := maps.Clone(c)
	if classifier == nil {
		classifier = Classifier{}
	}
	for _, code := range codes {
		classifier[code] = class
	}
	return classifier
}

// Strict returns a copy of c in which ignorable codes are fatal.
func (c Classifier) Strict() Classifier {
	classifier := maps.Clone(c)
	for code, class := range classifier {
		if class == Ignorable {
			classifier[code] = Fatal
		}
	}
	return classifier
}

var (
	TransientErrors = Classifier{}.With(Retryable,
		CodeRequestLimitExceeded,
		CodeThrottling,
		CodeInternalError,
		CodeServiceUnavailable,
		CodeUnavailable,
		CodeNetwork,
	)
	TagErrors       = TransientErrors.With(Ignorable, CodeInstanceNotFound, CodeSpotRequestNotFound)
	TerminateErrors = TransientErrors.With(Ignorable, CodeInstanceNotFound)

	// SpotUnavailableCodes are launch failures after which an on-demand launch may succeed.
	SpotUnavailableCodes = []string{
		CodeInsufficientInstanceCapacity,
		CodeMaxSpotInstanceCountExceeded,
		CodeSpotMaxPriceTooLow,
	}
)

// RemoteError is returned by the Retrier when a provider call does not succeed.
type RemoteError struct {
	Op        string
	Code      string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *RemoteError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: giving up after %d attempts: %s", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
