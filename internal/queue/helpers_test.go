package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip publishes to a fresh subject and waits for the message
func roundTrip(t *testing.T, q Queue) {
	t.Helper()
	subject := "meshstor.test." + uuid.NewString()

	var c collector
	require.NoError(t, q.Subscribe(subject, c.handle))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, subject, []byte("ping")))

	require.Eventually(t, func() bool { return c.len() == 1 }, 30*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"ping"}, c.data())
}
