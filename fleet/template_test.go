package fleet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLaunchTimeout(t *testing.T) {
	tests := map[string]int{
		"":     UnboundedLaunchTimeout,
		"0":    UnboundedLaunchTimeout,
		"-1":   UnboundedLaunchTimeout,
		"NaN":  UnboundedLaunchTimeout,
		"300":  300,
		" 42 ": 42,
	}
	for raw, expected := range tests {
		assert.Equal(t, expected, ParseLaunchTimeout(raw), "raw=%q", raw)
	}
}

func TestTemplateLaunchTimeout(t *testing.T) {
	template := &Template{LaunchTimeoutRaw: "90"}
	assert.Equal(t, 90*time.Second, template.LaunchTimeout())
}

func TestChooseSubnetRoundRobin(t *testing.T) {
	for _, subnets := range []string{"subnet-123 subnet-456", "subnet-123,subnet-456", "subnet-123;subnet-456", " subnet-123 ,; subnet-456 "} {
		template := &Template{Subnets: subnets}
		assert.Equal(t, "subnet-123", template.ChooseSubnet(), subnets)
		assert.Equal(t, "subnet-456", template.ChooseSubnet(), subnets)
		assert.Equal(t, "subnet-123", template.ChooseSubnet(), subnets)
	}
}

func TestChooseSubnetSingleAndEmpty(t *testing.T) {
	template := &Template{Subnets: "subnet-123"}
	assert.Equal(t, "subnet-123", template.ChooseSubnet())
	assert.Equal(t, "subnet-123", template.ChooseSubnet())

	template = &Template{}
	assert.Equal(t, "", template.ChooseSubnet())
}

func TestChooseSubnetWrapsWhenListShrinks(t *testing.T) {
	template := &Template{Subnets: "a b c"}
	template.ChooseSubnet()
	template.ChooseSubnet()

	template.Subnets = "a b"
	assert.Equal(t, "a", template.ChooseSubnet())
}

func TestChooseSubnetConcurrent(t *testing.T) {
	template := &Template{Subnets: "a b"}

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subnet := template.ChooseSubnet()
			mu.Lock()
			counts[subnet]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 50, "b": 50}, counts)
}

func TestRootVolumeEncryptionValue(t *testing.T) {
	assert.Nil(t, EncryptionDefault.Value())
	assert.Nil(t, RootVolumeEncryption("").Value())
	assert.Equal(t, true, *EncryptionEnabled.Value())
	assert.Equal(t, false, *EncryptionDisabled.Value())
}

func TestTemplateDefaults(t *testing.T) {
	template := &Template{}
	assert.Equal(t, 1, template.ExecutorCount())
	assert.Equal(t, time.Duration(0), template.IdleTimeout())
	assert.False(t, template.Spotted())
}
