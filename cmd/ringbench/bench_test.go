package main

import (
	"testing"

	"github.com/FerroO2000/bytering"
	"github.com/stretchr/testify/assert"
)

func Test_runBench(t *testing.T) {
	for _, kind := range []bytering.Kind{bytering.KindSequential, bytering.KindOptimized} {
		for _, mode := range modes {
			t.Run(kind.String()+"/"+mode, func(t *testing.T) {
				assert := assert.New(t)

				res, err := runBench(t.Context(), &benchConfig{
					kind:        kind,
					capacity:    1024,
					total:       1 << 18,
					chunk:       300,
					mode:        mode,
					producerCPU: -1,
					consumerCPU: -1,
				})
				assert.NoError(err)
				assert.Equal(int64(1<<18), res.bytes)
				assert.Positive(res.elapsed)
			})
		}
	}
}

func Test_runBench_UnknownMode(t *testing.T) {
	_, err := runBench(t.Context(), &benchConfig{
		kind:     bytering.KindOptimized,
		capacity: 64,
		total:    64,
		chunk:    8,
		mode:     "mmap",
	})
	assert.Error(t, err)
}

func Test_parseCPUs(t *testing.T) {
	suite := []struct {
		value    string
		producer int
		consumer int
		wantErr  bool
	}{
		{value: "", producer: -1, consumer: -1},
		{value: "2,4", producer: 2, consumer: 4},
		{value: " 0 , 1 ", producer: 0, consumer: 1},
		{value: "3", wantErr: true},
		{value: "a,1", wantErr: true},
		{value: "1,b", wantErr: true},
	}

	for _, tCase := range suite {
		t.Run(tCase.value, func(t *testing.T) {
			assert := assert.New(t)

			producer, consumer, err := parseCPUs(tCase.value)
			if tCase.wantErr {
				assert.Error(err)
				return
			}

			assert.NoError(err)
			assert.Equal(tCase.producer, producer)
			assert.Equal(tCase.consumer, consumer)
		})
	}
}

func Benchmark_runBench(b *testing.B) {
	for _, mode := range modes {
		b.Run(mode, func(b *testing.B) {
			cfg := &benchConfig{
				kind:        bytering.KindOptimized,
				capacity:    1 << 16,
				total:       1 << 20,
				chunk:       4096,
				mode:        mode,
				producerCPU: -1,
				consumerCPU: -1,
			}

			b.SetBytes(cfg.total)

			for b.Loop() {
				if _, err := runBench(b.Context(), cfg); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
