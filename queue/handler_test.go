package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/cadent/errors"
)

func noopHandler(jobType string) Handler {
	return HandlerFunc{
		JobType: jobType,
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopHandler("email.send"))

	assert.True(t, registry.Has("email.send"))
	assert.NotNil(t, registry.Get("email.send"))
	assert.False(t, registry.Has("social.post"))
	assert.Nil(t, registry.Get("social.post"))
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopHandler("email.send"))

	assert.Panics(t, func() {
		registry.Register(noopHandler("email.send"))
	})
}

func TestRegistryPanicsOnEmptyType(t *testing.T) {
	registry := NewRegistry()
	assert.Panics(t, func() {
		registry.Register(noopHandler(""))
	})
}

func TestRegistryTypesSorted(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopHandler("social.post"))
	registry.Register(noopHandler("analytics.sync"))
	registry.Register(noopHandler("email.send"))

	assert.Equal(t, []string{"analytics.sync", "email.send", "social.post"}, registry.Types())
}

func TestRegistryValidate(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopHandler("email.send"))

	require.NoError(t, registry.Validate("email.send"))
	require.NoError(t, registry.Validate())

	err := registry.Validate("email.send", "social.post", "analytics.sync")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownJobType))
	assert.Contains(t, err.Error(), "social.post")
	assert.Contains(t, err.Error(), "analytics.sync")
}

func TestHandlerFuncTimeout(t *testing.T) {
	h := HandlerFunc{
		JobType:     "slow.work",
		ExecTimeout: 5 * time.Minute,
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, nil
		},
	}
	assert.Equal(t, "slow.work", h.Type())
	assert.Equal(t, 5*time.Minute, h.Timeout())
}
