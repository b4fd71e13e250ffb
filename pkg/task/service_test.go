package task

import (
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestJSONTaskRoundTrip(t *testing.T) {
	task, err := NewJSONTask("shop:redeliver", map[string]string{"purchase_id": "p1"})
	require.NoError(t, err)
	require.Equal(t, "shop:redeliver", task.Type())

	var payload struct {
		PurchaseID string `json:"purchase_id"`
	}
	require.NoError(t, DecodePayload(task, &payload))
	require.Equal(t, "p1", payload.PurchaseID)
}

func TestDecodePayloadSkipsRetryOnGarbage(t *testing.T) {
	var payload struct{}
	err := DecodePayload(asynq.NewTask("x", []byte("{")), &payload)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
}
