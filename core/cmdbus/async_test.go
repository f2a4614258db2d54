package cmdbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc-go/core/es"
)

func TestBus_DispatchAsync(t *testing.T) {
	b := New(discard())
	defer b.Close()

	Register(b, func(_ context.Context, cmd *openAccount) (any, error) {
		return "opened:" + cmd.AccountID, nil
	})

	ticket, err := b.DispatchAsync(t.Context(), &openAccount{AccountID: "a1"})
	require.NoError(t, err)
	require.NotEmpty(t, ticket.ID())

	res, err := ticket.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "opened:a1", res)
	assert.Equal(t, StatusCompleted, ticket.Status())
	assert.True(t, ticket.Status().Terminal())

	select {
	case <-ticket.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBus_DispatchAsync_FailureStatus(t *testing.T) {
	dlq := NewInMemoryDLQ()
	b := New(discard(), WithDLQ(dlq), WithRetryPolicy(fastRetry(0)))
	defer b.Close()

	Register(b, func(context.Context, *openAccount) (any, error) {
		return nil, es.ErrStorageUnavailable
	})

	ticket, err := b.DispatchAsync(t.Context(), &openAccount{AccountID: "a1"})
	require.NoError(t, err)

	_, err = ticket.Wait(t.Context())
	require.ErrorIs(t, err, es.ErrStorageUnavailable)
	assert.Equal(t, StatusDeadLettered, ticket.Status())
}

func TestBus_DispatchAsync_SerializesPerAggregate(t *testing.T) {
	b := New(discard(), WithWorkers(4))

	var (
		mu    sync.Mutex
		order = map[string][]string{}
	)
	Register(b, func(_ context.Context, cmd *openAccount) (any, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		order[cmd.AccountID] = append(order[cmd.AccountID], cmd.Owner)
		mu.Unlock()
		return nil, nil
	})

	owners := []string{"o0", "o1", "o2", "o3", "o4", "o5", "o6", "o7"}
	for _, owner := range owners {
		for _, acc := range []string{"a", "b"} {
			_, err := b.DispatchAsync(t.Context(), &openAccount{AccountID: acc, Owner: owner})
			require.NoError(t, err)
		}
	}

	b.Close() // waits for everything queued

	assert.Equal(t, owners, order["a"])
	assert.Equal(t, owners, order["b"])
}

func TestBus_DispatchAsync_Closed(t *testing.T) {
	b := New(discard())
	Register(b, func(context.Context, *openAccount) (any, error) { return nil, nil })
	b.Close()

	_, err := b.DispatchAsync(t.Context(), &openAccount{AccountID: "a1"})
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_DispatchAsync_DetachedFromCallerContext(t *testing.T) {
	b := New(discard())
	defer b.Close()

	release := make(chan struct{})
	Register(b, func(ctx context.Context, _ *openAccount) (any, error) {
		<-release
		return ctx.Err(), nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	ticket, err := b.DispatchAsync(ctx, &openAccount{AccountID: "a1"})
	require.NoError(t, err)

	cancel()
	close(release)

	res, err := ticket.Wait(t.Context())
	require.NoError(t, err)
	assert.Nil(t, res) // handler context survived the caller's cancel
}
