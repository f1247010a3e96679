package turnqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_ReturnsTaskResult(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	value, err := q.Do(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestDo_PropagatesTaskError(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	boom := errors.New("boom")
	_, err := q.Do(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestDo_EmptyConversationID(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	_, err := q.Do(context.Background(), "", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestDo_SerializesSameConversation(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	var inFlight int32
	var maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), "same", func(ctx context.Context) (interface{}, error) {
				current := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)

				for {
					observed := atomic.LoadInt32(&maxInFlight)
					if current <= observed || atomic.CompareAndSwapInt32(&maxInFlight, observed, current) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestDo_DifferentConversationsRunConcurrently(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	release := make(chan struct{})
	firstRunning := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = q.Do(context.Background(), "a", func(ctx context.Context) (interface{}, error) {
			close(firstRunning)
			<-release
			return nil, nil
		})
	}()

	<-firstRunning

	done := make(chan struct{})
	go func() {
		defer wg.Done()
		_, _ = q.Do(context.Background(), "b", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-done:
		// lane b finished while lane a was blocked
	case <-time.After(2 * time.Second):
		t.Fatal("lane b blocked behind lane a")
	}

	close(release)
	wg.Wait()
}

func TestActive(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	assert.False(t, q.Active("c1"))

	running := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
			close(running)
			<-release
			return nil, nil
		})
	}()

	<-running
	assert.True(t, q.Active("c1"))

	close(release)
	require.Eventually(t, func() bool { return !q.Active("c1") }, 2*time.Second, 10*time.Millisecond)
}

func TestDrain_RejectsQueuedTurns(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	running := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
			close(running)
			<-release
			return nil, nil
		})
	}()
	<-running

	queuedErr := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		queuedErr <- err
	}()

	require.Eventually(t, func() bool { return q.Depth("c1") == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, q.Drain("c1"))

	err := <-queuedErr
	assert.ErrorContains(t, err, "drained")

	close(release)
}
