package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	opts := []option.ClientOption{option.WithGRPCConn(conn)}

	admin, err := pubsub.NewClient(context.Background(), "civic", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	_, err = admin.CreateTopic(context.Background(), "resolutions")
	require.NoError(t, err)
	return srv, opts
}

func TestNotifierPublishes(t *testing.T) {
	ctx := context.Background()
	srv, opts := fakeServer(t)

	n, err := Open(ctx, "civic", "resolutions", opts...)
	require.NoError(t, err)

	id, err := n.Publish(ctx, resolution.ChangeEvent{
		RunID:       "run-1",
		ID:          100,
		Decision:    "insert",
		Quality:     resolution.QualityPartial,
		ContentHash: "abc",
		Timestamp:   "2024-03-01T12:00:00Z",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "100", msgs[0].Attributes["resolution_id"])
	assert.Equal(t, "partial", msgs[0].Attributes["quality"])

	var event resolution.ChangeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, resolution.ID(100), event.ID)
	assert.Equal(t, "run-1", event.RunID)

	require.NoError(t, n.Close())
}

func TestOpenMissingTopic(t *testing.T) {
	_, opts := fakeServer(t)
	_, err := Open(context.Background(), "civic", "missing", opts...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPublishWithoutTopic(t *testing.T) {
	_, err := (&Notifier{}).Publish(context.Background(), resolution.ChangeEvent{ID: 1})
	require.Error(t, err)
	require.NoError(t, (&Notifier{}).Close())
}
