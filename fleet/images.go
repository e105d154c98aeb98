package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/samber/lo"
)

var ErrEmptyImageQuery = errors.New("template has no image id, owners, users or filters")

type Filter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ImageQuery selects the machine images a template may launch from.
type ImageQuery struct {
	ImageIDs []string `json:"image-ids,omitempty"`
	Owners   []string `json:"owners,omitempty"`
	Users    []string `json:"users,omitempty"`
	Filters  []Filter `json:"filters,omitempty"`
}

func (q ImageQuery) Empty() bool {
	return len(q.ImageIDs) == 0 && len(q.Owners) == 0 && len(q.Users) == 0 && len(q.Filters) == 0
}

type EBSVolume struct {
	SnapshotID          string `json:"snapshot-id,omitempty"`
	VolumeSize          int32  `json:"volume-size,omitempty"`
	VolumeType          string `json:"volume-type,omitempty"`
	Encrypted           *bool  `json:"encrypted,omitempty"`
	DeleteOnTermination *bool  `json:"delete-on-termination,omitempty"`
}

type BlockDevice struct {
	DeviceName string     `json:"device-name"`
	EBS        *EBSVolume `json:"ebs,omitempty"`
}

type Image struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CreationDate   time.Time     `json:"creation-date"`
	RootDeviceType string        `json:"root-device-type"`
	RootDeviceName string        `json:"root-device-name"`
	Platform       string        `json:"platform,omitempty"`
	BlockDevices   []BlockDevice `json:"block-devices,omitempty"`
}

// ImageQuery builds the image lookup of the template. Owners, users and filter values are
// whitespace separated words following shell quoting rules.
func (t *Template) ImageQuery() (ImageQuery, error) {
	var query ImageQuery
	var err error

	if ami := strings.TrimSpace(t.AMI); ami != "" {
		query.ImageIDs = []string{ami}
	}
	if query.Owners, err = splitWords(t.AMIOwners); err != nil {
		return ImageQuery{}, fmt.Errorf("invalid ami owners: %w", err)
	}
	if query.Users, err = splitWords(t.AMIUsers); err != nil {
		return ImageQuery{}, fmt.Errorf("invalid ami users: %w", err)
	}
	for _, filter := range t.AMIFilters {
		name := strings.TrimSpace(filter.Name)
		if name == "" {
			continue
		}
		values, err := splitWords(filter.Values)
		if err != nil {
			return ImageQuery{}, fmt.Errorf("invalid values for ami filter '%s': %w", name, err)
		}
		query.Filters = append(query.Filters, Filter{Name: name, Values: values})
	}

	if query.Empty() {
		return ImageQuery{}, ErrEmptyImageQuery
	}
	return query, nil
}

func splitWords(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return shellquote.Split(escapeQuotedQuotes(s))
}

// escapeQuotedQuotes lets a backslash escape a quote inside a quoted segment, as in
// 'a\'quote'. Shell rules would end the segment there instead.
func escapeQuotedQuotes(s string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch {
			case quote == '\'' && next == '\'':
				b.WriteString(`'\''`)
			case quote == '"' && next == '\'':
				b.WriteByte('\'')
			default:
				b.WriteByte(c)
				b.WriteByte(next)
			}
			i++
			continue
		}

		switch {
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case c == quote:
			quote = 0
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NewestImage returns the most recently created image.
func NewestImage(images []Image) (Image, bool) {
	if len(images) == 0 {
		return Image{}, false
	}
	return lo.MaxBy(images, func(a, b Image) bool {
		return a.CreationDate.After(b.CreationDate)
	}), true
}

// RootDevice derives the root volume mapping to launch the image with, applying the template
// encryption policy. Images not backed by EBS keep their default mapping.
func (t *Template) RootDevice(image Image) (BlockDevice, bool) {
	if image.RootDeviceType != "ebs" {
		return BlockDevice{}, false
	}

	root, ok := lo.Find(image.BlockDevices, func(device BlockDevice) bool {
		return device.EBS != nil && (image.RootDeviceName == "" || device.DeviceName == image.RootDeviceName)
	})
	if !ok {
		return BlockDevice{}, false
	}

	ebs := *root.EBS
	if encrypted := t.RootVolumeEncryption.Value(); encrypted != nil {
		ebs.Encrypted = encrypted
	}
	if t.DeleteRootOnTermination {
		ebs.DeleteOnTermination = lo.ToPtr(true)
	}
	return BlockDevice{DeviceName: root.DeviceName, EBS: &ebs}, true
}
