package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "changes", monitor.ChangeEvent{SiteID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "changes", pub.Messages()[0].Topic)

	events := pub.Topic("changes")
	require.Len(t, events, 1)
	require.Equal(t, "s1", events[0].(monitor.ChangeEvent).SiteID)

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
}
