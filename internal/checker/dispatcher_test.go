package checker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter yields 1, 2, 3, ... forever.
type counter struct{ n int64 }

func (c *counter) Next(context.Context) (int64, bool, error) {
	c.n++
	return c.n, true, nil
}

type failing struct{}

func (failing) Next(context.Context) (int64, bool, error) {
	return 0, false, errors.New("db gone")
}

func drain(t *testing.T, d Dispatcher) []int64 {
	t.Helper()
	var ids []int64
	for {
		id, ok, err := d.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, id)
		require.Less(t, len(ids), 1000, "dispatcher does not terminate")
	}
}

func TestLimitedCountDispatcher(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, drain(t, NewLimitedCountDispatcher(&counter{}, 5)))
	assert.Empty(t, drain(t, NewLimitedCountDispatcher(&counter{}, 0)))
	assert.Equal(t, []int64{7, 8}, drain(t, NewLimitedCountDispatcher(NewListDispatcher([]int64{7, 8}), 5)),
		"fewer when the inner dispatcher runs dry")

	_, _, err := NewLimitedCountDispatcher(failing{}, 3).Next(context.Background())
	assert.Error(t, err)
}

func TestLimitedDurationDispatcher(t *testing.T) {
	now := time.Now()
	d := NewLimitedDurationDispatcher(&counter{}, now.Add(time.Minute))
	d.now = func() time.Time { return now }

	ids := []int64{}
	for i := 0; i < 3; i++ {
		id, ok, err := d.Next(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	now = now.Add(time.Minute)
	_, ok, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "stops at the deadline")
}

func TestListDispatcher(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, drain(t, NewListDispatcher([]int64{3, 1, 2})))
	assert.Empty(t, drain(t, NewListDispatcher(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewListDispatcher([]int64{1}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
