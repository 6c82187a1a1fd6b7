package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Pin(t *testing.T) {
	assert := assert.New(t)

	allowed, err := Allowed()
	require.NoError(t, err)
	require.NotEmpty(t, allowed)

	target := allowed[len(allowed)-1]

	unpin, err := Pin(target)
	require.NoError(t, err)

	cpu, err := Current()
	assert.NoError(err)
	assert.Equal(target, cpu)

	unpin()

	restored, err := Allowed()
	assert.NoError(err)
	assert.Equal(allowed, restored)
}

func Test_Pin_Invalid(t *testing.T) {
	assert := assert.New(t)

	_, err := Pin(-1)
	assert.ErrorIs(err, ErrInvalidCPU)

	_, err = Pin(1 << 20)
	assert.ErrorIs(err, ErrInvalidCPU)
}
