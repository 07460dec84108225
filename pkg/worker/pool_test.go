package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPoolSizeIsBounded(t *testing.T) {
	size := DefaultPoolSize()
	assert.GreaterOrEqual(t, size, 1)
	assert.LessOrEqual(t, size, 32)
}
