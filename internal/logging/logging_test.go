package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContextAddsFields(t *testing.T) {
	l := New("test-service", "debug", "json")
	ctx := ContextWithTrace(context.Background(), "trace-1")
	ctx = ContextWithTenant(ctx, "tenant-1")

	entry := l.WithContext(ctx)
	assert.Equal(t, "trace-1", entry.Data["trace_id"])
	assert.Equal(t, "tenant-1", entry.Data["tenant_id"])
	assert.Equal(t, "test-service", entry.Data["service"])
}

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	l := New("svc", "not-a-level", "json")
	assert.Equal(t, "info", l.GetLevel().String())
}
