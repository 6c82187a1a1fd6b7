package config

import (
	"testing"
	"time"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/rb"
	"github.com/stretchr/testify/assert"
)

func Test_Checks(t *testing.T) {
	assert := assert.New(t)

	ac := NewAnomalyCollector()

	negative := -3
	CheckNotNegative(ac, "negative", &negative, 5)
	assert.Equal(5, negative)

	zero := 0.0
	CheckNotZero(ac, "zero", &zero, 1.5)
	assert.Equal(1.5, zero)

	timeout := 10 * time.Second
	CheckNotGreater(ac, "timeout", &timeout, time.Second)
	assert.Equal(time.Second, timeout)

	size := 1000
	CheckPowerOf2(ac, "size", &size)
	assert.Equal(1024, size)

	exact := uint32(4096)
	CheckPowerOf2(ac, "exact", &exact)
	assert.Equal(uint32(4096), exact)

	mode := "mmap"
	CheckOneOf(ac, "mode", &mode, []string{"copy", "region"}, "copy")
	assert.Equal("copy", mode)

	addr := ""
	CheckNotEmpty(ac, "addr", &addr, "localhost")
	assert.Equal("localhost", addr)

	assert.Equal([]string{"negative", "zero", "timeout", "size", "mode", "addr"}, ac.Fields())
}

func Test_Ring(t *testing.T) {
	suite := []struct {
		name      string
		cfg       Ring
		expected  Ring
		anomalies int
	}{
		{
			name:     "valid",
			cfg:      Ring{Kind: rb.KindSequential, Capacity: 64, MaxSpins: 0},
			expected: Ring{Kind: rb.KindSequential, Capacity: 64, MaxSpins: 0},
		},
		{
			name:      "rounded capacity",
			cfg:       Ring{Kind: rb.KindOptimized, Capacity: 100, MaxSpins: 10},
			expected:  Ring{Kind: rb.KindOptimized, Capacity: 128, MaxSpins: 10},
			anomalies: 1,
		},
		{
			name:      "too small for sequential",
			cfg:       Ring{Kind: rb.KindSequential, Capacity: 2, MaxSpins: 10},
			expected:  Ring{Kind: rb.KindSequential, Capacity: 8, MaxSpins: 10},
			anomalies: 1,
		},
		{
			name:      "zero capacity",
			cfg:       Ring{Kind: rb.KindOptimized, Capacity: 0, MaxSpins: 10},
			expected:  Ring{Kind: rb.KindOptimized, Capacity: DefaultRingCapacity, MaxSpins: 10},
			anomalies: 1,
		},
		{
			name:      "too large",
			cfg:       Ring{Kind: rb.KindOptimized, Capacity: rb.MaxCapacity * 2, MaxSpins: 10},
			expected:  Ring{Kind: rb.KindOptimized, Capacity: rb.MaxCapacity, MaxSpins: 10},
			anomalies: 1,
		},
		{
			name:      "unknown kind and negative spins",
			cfg:       Ring{Kind: rb.Kind(7), Capacity: 64, MaxSpins: -1},
			expected:  Ring{Kind: DefaultRingKind, Capacity: 64, MaxSpins: DefaultRingMaxSpins()},
			anomalies: 2,
		},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			ac := NewAnomalyCollector()
			cfg := tCase.cfg
			cfg.Validate(ac)

			assert.Equal(tCase.expected, cfg)
			assert.Equal(tCase.anomalies, ac.Len())
		})
	}
}

func Test_Validator(t *testing.T) {
	assert := assert.New(t)

	validator := NewValidator(internal.NewTelemetry("test", "validator"))

	cfg := NewRing()
	cfg.Capacity = -1
	assert.Equal(1, validator.Validate(cfg))
	assert.Equal(DefaultRingCapacity, cfg.Capacity)

	// The collector starts empty on each call
	assert.Zero(validator.Validate(cfg))
}
