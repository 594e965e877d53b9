package syncq_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/autom8ter/syncq"
	"github.com/autom8ter/syncq/errors"
)

func TestSuspender(t *testing.T) {
	t.Run("suspend 3 then resume 4 times", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		var resumed int32
		s.OnTransition(func(suspended bool) {
			if !suspended {
				atomic.AddInt32(&resumed, 1)
			}
		})
		count, err := s.Increment(3)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.True(t, s.IsSuspended())

		for _, expected := range []int{2, 1} {
			count, err = s.Decrement()
			require.NoError(t, err)
			assert.Equal(t, expected, count)
			assert.True(t, s.IsSuspended())
			assert.EqualValues(t, 0, atomic.LoadInt32(&resumed))
		}
		count, err = s.Decrement()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.False(t, s.IsSuspended())
		assert.EqualValues(t, 1, atomic.LoadInt32(&resumed))

		count, err = s.Decrement()
		assert.True(t, errors.Is(err, errors.Misuse))
		assert.Equal(t, 0, count)
		assert.Equal(t, 0, s.Count())
		assert.EqualValues(t, 1, atomic.LoadInt32(&resumed))
	})
	t.Run("transition listeners", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		var transitions []bool
		s.OnTransition(func(suspended bool) {
			transitions = append(transitions, suspended)
		})
		_, _ = s.Increment(1)
		_, _ = s.Increment(1)
		_, _ = s.Decrement()
		_, _ = s.Decrement()
		assert.Equal(t, []bool{true, false}, transitions)
	})
	t.Run("increment by zero", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		count, err := s.Increment(0)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.False(t, s.IsSuspended())
	})
	t.Run("negative increment", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		count, err := s.Increment(-1)
		assert.True(t, errors.Is(err, errors.Validation))
		assert.Equal(t, 0, count)
	})
	t.Run("saturate", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		_, err := s.Increment(syncq.MaxSuspendCount - 1)
		require.NoError(t, err)
		count, err := s.Increment(5)
		assert.True(t, errors.Is(err, errors.Overflow))
		assert.Equal(t, syncq.MaxSuspendCount, count)
		assert.True(t, s.IsSuspended())
		count, err = s.Decrement()
		assert.NoError(t, err)
		assert.Equal(t, syncq.MaxSuspendCount-1, count)
	})
	t.Run("concurrent interleavings", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		var (
			suspends int32
			resumes  int32
		)
		s.OnTransition(func(suspended bool) {
			if suspended {
				atomic.AddInt32(&suspends, 1)
			} else {
				atomic.AddInt32(&resumes, 1)
			}
		})
		egp := errgroup.Group{}
		for i := 0; i < 50; i++ {
			egp.Go(func() error {
				for j := 0; j < 100; j++ {
					if _, err := s.Increment(1); err != nil {
						return err
					}
					if s.Count() <= 0 {
						t.Error("suspended count must be positive after an increment")
					}
					if _, err := s.Decrement(); err != nil {
						return err
					}
				}
				return nil
			})
		}
		assert.NoError(t, egp.Wait())
		assert.Equal(t, 0, s.Count())
		assert.False(t, s.IsSuspended())
		assert.Equal(t, atomic.LoadInt32(&suspends), atomic.LoadInt32(&resumes))
	})
	t.Run("concurrent over-decrement", func(t *testing.T) {
		s := syncq.NewSuspender(nil)
		_, _ = s.Increment(10)
		var misuse int32
		egp := errgroup.Group{}
		for i := 0; i < 25; i++ {
			egp.Go(func() error {
				_, err := s.Decrement()
				if err != nil {
					if !errors.Is(err, errors.Misuse) {
						return err
					}
					atomic.AddInt32(&misuse, 1)
				}
				return nil
			})
		}
		assert.NoError(t, egp.Wait())
		assert.Equal(t, 0, s.Count())
		assert.EqualValues(t, 15, atomic.LoadInt32(&misuse))
	})
}
