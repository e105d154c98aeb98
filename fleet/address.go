package fleet

import (
	"errors"
	"fmt"
	"strings"
)

type ConnectionStrategy string

const (
	PublicDNS  ConnectionStrategy = "PUBLIC_DNS"
	PublicIP   ConnectionStrategy = "PUBLIC_IP"
	PrivateDNS ConnectionStrategy = "PRIVATE_DNS"
	PrivateIP  ConnectionStrategy = "PRIVATE_IP"
)

var ConnectionStrategies = []ConnectionStrategy{PublicDNS, PublicIP, PrivateDNS, PrivateIP}

var ErrUnsupportedStrategy = errors.New("unsupported connection strategy")

// ParseConnectionStrategy accepts the canonical names in any case, with '-' or '_' separators.
func ParseConnectionStrategy(s string) (ConnectionStrategy, error) {
	candidate := ConnectionStrategy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, strategy := range ConnectionStrategies {
		if strategy == candidate {
			return strategy, nil
		}
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnsupportedStrategy, s)
}

// BackwardsCompatibleStrategy maps the deprecated address booleans to a strategy.
func BackwardsCompatibleStrategy(usePrivateDNSName, connectUsingPublicIP, associatePublicIP bool) ConnectionStrategy {
	switch {
	case usePrivateDNSName && !connectUsingPublicIP:
		return PrivateDNS
	case connectUsingPublicIP || associatePublicIP:
		return PublicIP
	default:
		return PrivateIP
	}
}

// Addresses are the network identities the provider reports for an instance.
// Any of them may be empty.
type Addresses struct {
	PublicDNS  string `json:"public-dns,omitempty"`
	PublicIP   string `json:"public-ip,omitempty"`
	PrivateDNS string `json:"private-dns,omitempty"`
	PrivateIP  string `json:"private-ip,omitempty"`
}

// ResolveAddress picks the address used to reach an instance.
//
// DNS strategies fall back to the matching IP when the provider has not assigned a name.
// Windows hosts are always reached by IP: private strategies resolve to the private IP and
// public strategies to the public IP.
func ResolveAddress(addrs Addresses, strategy ConnectionStrategy, platform Platform) (string, error) {
	if platform == Windows {
		switch strategy {
		case PrivateDNS, PrivateIP:
			return addrs.PrivateIP, nil
		case PublicDNS, PublicIP:
			return addrs.PublicIP, nil
		}
		return "", fmt.Errorf("%w: '%s' on %s", ErrUnsupportedStrategy, strategy, platform)
	}

	switch strategy {
	case PublicDNS:
		if addrs.PublicDNS != "" {
			return addrs.PublicDNS, nil
		}
		return addrs.PublicIP, nil
	case PublicIP:
		return addrs.PublicIP, nil
	case PrivateDNS:
		if addrs.PrivateDNS != "" {
			return addrs.PrivateDNS, nil
		}
		return addrs.PrivateIP, nil
	case PrivateIP:
		return addrs.PrivateIP, nil
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnsupportedStrategy, strategy)
}
