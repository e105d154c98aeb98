package fleet

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageQueryRequiresParameters(t *testing.T) {
	template := &Template{AMIFilters: []ImageFilter{{Name: " ", Values: "ignored"}}}
	_, err := template.ImageQuery()
	assert.ErrorIs(t, err, ErrEmptyImageQuery)
}

func TestImageQueryWithAMIOnly(t *testing.T) {
	template := &Template{AMI: "ami-123"}
	query, err := template.ImageQuery()
	require.NoError(t, err)
	assert.Equal(t, []string{"ami-123"}, query.ImageIDs)
	assert.Empty(t, query.Owners)
	assert.Empty(t, query.Users)
	assert.Empty(t, query.Filters)
}

func TestImageQueryWhitespaceTokenizing(t *testing.T) {
	for _, owners := range []string{"self amazon", "self  amazon", " self amazon", "self amazon "} {
		template := &Template{AMIOwners: owners, AMIUsers: owners}
		query, err := template.ImageQuery()
		require.NoError(t, err, owners)
		assert.Equal(t, []string{"self", "amazon"}, query.Owners, owners)
		assert.Equal(t, []string{"self", "amazon"}, query.Users, owners)
		assert.Empty(t, query.ImageIDs)
	}
}

func TestImageQueryFilterQuoting(t *testing.T) {
	for _, values := range []string{
		`a\'quote s\ p\ a\ c\ e\ s`,
		`"a'quote" "s p a c e s"`,
		`a\'quote "s p a c e s"`,
		`"a'quote" s\ p\ a\ c\ e\ s`,
		` 'a\'quote' 's p a c e s' `,
		`"a\'quote" 's p a c e s'`,
	} {
		template := &Template{
			AMIUsers:   "self all",
			AMIFilters: []ImageFilter{{Name: "foo", Values: values}},
		}
		query, err := template.ImageQuery()
		require.NoError(t, err, values)
		assert.Equal(t, []Filter{{Name: "foo", Values: []string{"a'quote", "s p a c e s"}}}, query.Filters, values)
		assert.Equal(t, []string{"self", "all"}, query.Users)
	}
}

func TestImageQueryRejectsUnterminatedQuotes(t *testing.T) {
	for _, values := range []string{`self 'unterminated`, `"a'quote`, `'a\'quote`} {
		template := &Template{AMIFilters: []ImageFilter{{Name: "foo", Values: values}}}
		_, err := template.ImageQuery()
		assert.ErrorContains(t, err, "invalid values for ami filter 'foo'", values)
	}
}

func TestEscapeQuotedQuotes(t *testing.T) {
	tests := map[string]string{
		`'a\'quote'`:    `'a'\''quote'`,
		`"a\'quote"`:    `"a'quote"`,
		`a\'quote`:      `a\'quote`,
		`'a\\' 'b'`:     `'a\\' 'b'`,
		`"it's" 'x'`:    `"it's" 'x'`,
		`s\ p\ a\ c\ e`: `s\ p\ a\ c\ e`,
	}
	for input, expected := range tests {
		assert.Equal(t, expected, escapeQuotedQuotes(input), input)
	}
}

func TestNewestImage(t *testing.T) {
	_, ok := NewestImage(nil)
	assert.False(t, ok)

	now := time.Now()
	image, ok := NewestImage([]Image{
		{ID: "ami-old", CreationDate: now.Add(-time.Hour)},
		{ID: "ami-new", CreationDate: now},
		{ID: "ami-older", CreationDate: now.Add(-2 * time.Hour)},
	})
	assert.True(t, ok)
	assert.Equal(t, "ami-new", image.ID)
}

func ebsImage() Image {
	return Image{
		ID:             "ami-123",
		RootDeviceType: "ebs",
		RootDeviceName: "/dev/xvda",
		BlockDevices: []BlockDevice{
			{DeviceName: "/dev/sdb"},
			{DeviceName: "/dev/xvda", EBS: &EBSVolume{SnapshotID: "snap-1", VolumeSize: 8, VolumeType: "gp3"}},
		},
	}
}

func TestRootDeviceEncryptionPolicy(t *testing.T) {
	tests := map[RootVolumeEncryption]*bool{
		EncryptionDefault:  nil,
		EncryptionEnabled:  lo.ToPtr(true),
		EncryptionDisabled: lo.ToPtr(false),
	}
	for policy, expected := range tests {
		template := &Template{RootVolumeEncryption: policy}
		root, ok := template.RootDevice(ebsImage())
		require.True(t, ok)
		assert.Equal(t, "/dev/xvda", root.DeviceName)
		assert.Equal(t, expected, root.EBS.Encrypted, policy)
		assert.Equal(t, int32(8), root.EBS.VolumeSize)
	}
}

func TestRootDeviceDoesNotMutateImage(t *testing.T) {
	image := ebsImage()
	template := &Template{RootVolumeEncryption: EncryptionEnabled, DeleteRootOnTermination: true}
	root, ok := template.RootDevice(image)
	require.True(t, ok)
	assert.True(t, *root.EBS.DeleteOnTermination)
	assert.Nil(t, image.BlockDevices[1].EBS.Encrypted)
	assert.Nil(t, image.BlockDevices[1].EBS.DeleteOnTermination)
}

func TestRootDeviceIgnoresInstanceStore(t *testing.T) {
	image := ebsImage()
	image.RootDeviceType = "instance-store"
	_, ok := (&Template{RootVolumeEncryption: EncryptionEnabled}).RootDevice(image)
	assert.False(t, ok)
}
