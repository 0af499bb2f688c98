package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("slack")
	assert.False(t, ok)
	assert.Empty(t, r.Platforms())

	first := NewWebhookAdapter("slack", "http://first", "", time.Second)
	r.Register(first)
	r.Register(NewWebhookAdapter("whatsapp", "http://wa", "", time.Second))

	got, ok := r.Get("slack")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, []string{"slack", "whatsapp"}, r.Platforms())

	second := NewWebhookAdapter("slack", "http://second", "", time.Second)
	r.Register(second)

	got, ok = r.Get("slack")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, r.Platforms(), 2)
}
