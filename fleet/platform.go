package fleet

import (
	"fmt"
	"strings"
)

type Platform string

const (
	Unix    Platform = "unix"
	Mac     Platform = "mac"
	Windows Platform = "windows"
)

func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Unix, nil
	case Unix, Mac, Windows:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform '%s'", s)
	}
}
