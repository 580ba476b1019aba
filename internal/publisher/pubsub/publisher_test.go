package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
)

func TestBuildMessageCarriesAttributesAndOrdering(t *testing.T) {
	t.Parallel()

	change := observation.VisibilityChange{
		ProjectID: "OKX:ABC123",
		From:      domain.VisibilityVisible,
		To:        domain.VisibilityMissing,
		AtTs:      time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC),
	}
	msg, err := buildMessage(context.Background(), change)
	require.NoError(t, err)
	require.Equal(t, "OKX:ABC123", msg.OrderingKey)
	require.Equal(t, observation.EventType, msg.Attributes["event_type"])
	require.Equal(t, "MISSING", msg.Attributes["to"])

	var decoded observation.VisibilityChange
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, change.ProjectID, decoded.ProjectID)
	require.True(t, change.AtTs.Equal(decoded.AtTs))
}

func TestBuildMessagePlainPayload(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.Empty(t, msg.OrderingKey)
	require.JSONEq(t, `{"n":1}`, string(msg.Data))

	_, err = buildMessage(context.Background(), func() {})
	require.Error(t, err)
}

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "visibility", map[string]string{})
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
