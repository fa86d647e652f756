package interval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

func reservation(equipmentID uuid.UUID, from, to, qty int) rental.Interval {
	return rental.Interval{
		EquipmentID: equipmentID,
		Start:       day(from),
		End:         day(to),
		Quantity:    qty,
		Kind:        rental.KindReservation,
		State:       rental.StateConfirmed,
	}
}

// runIndexSuite exercises the Index contract against any implementation.
func runIndexSuite(t *testing.T, newIndex func(t *testing.T) Index) {
	ctx := context.Background()

	t.Run("insert assigns identity and rejects over-commitment", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()

		a, err := idx.Insert(ctx, reservation(eq, 1, 5, 2), 3)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, a.ID)
		assert.Equal(t, 1, a.Version)

		_, err = idx.Insert(ctx, reservation(eq, 3, 7, 2), 3)
		var conflict *rental.ConflictError
		require.True(t, errors.As(err, &conflict), "got %v", err)
		assert.Equal(t, 4, conflict.Peak)
		require.Len(t, conflict.Conflicting, 1)
		assert.Equal(t, a.ID, conflict.Conflicting[0].ID)

		_, err = idx.Insert(ctx, reservation(eq, 3, 7, 1), 3)
		require.NoError(t, err)
	})

	t.Run("insert validates", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()
		var invalid *rental.InvalidRequestError

		_, err := idx.Insert(ctx, reservation(eq, 2, 2, 1), 3)
		assert.True(t, errors.As(err, &invalid))
		_, err = idx.Insert(ctx, reservation(eq, 1, 2, 0), 3)
		assert.True(t, errors.As(err, &invalid))
		cancelled := reservation(eq, 1, 2, 1)
		cancelled.State = rental.StateCancelled
		_, err = idx.Insert(ctx, cancelled, 3)
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("query orders by start then insertion", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()

		late, err := idx.Insert(ctx, reservation(eq, 4, 6, 1), 10)
		require.NoError(t, err)
		first, err := idx.Insert(ctx, reservation(eq, 1, 3, 1), 10)
		require.NoError(t, err)
		second, err := idx.Insert(ctx, reservation(eq, 1, 9, 1), 10)
		require.NoError(t, err)
		_, err = idx.Insert(ctx, reservation(uuid.New(), 1, 9, 1), 10)
		require.NoError(t, err)

		got, err := idx.Query(ctx, eq, day(2), day(5))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []uuid.UUID{first.ID, second.ID, late.ID}, []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})

		got, err = idx.Query(ctx, eq, day(3), day(4))
		require.NoError(t, err)
		require.Len(t, got, 1, "touching intervals do not overlap")
		assert.Equal(t, second.ID, got[0].ID)

		got, err = idx.Query(ctx, eq, day(3), day(3))
		require.NoError(t, err)
		require.Len(t, got, 1, "an empty range strictly inside an interval overlaps it")
		assert.Equal(t, second.ID, got[0].ID)

		got, err = idx.Query(ctx, eq, day(12), day(12))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("intervals spanning centuries stay visible", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()
		from := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
		long := rental.Interval{
			EquipmentID: eq,
			Start:       from,
			End:         from.AddDate(400, 0, 0),
			Quantity:    1,
			Kind:        rental.KindMaintenanceBlock,
			State:       rental.StateConfirmed,
		}
		committed, err := idx.Insert(ctx, long, 1)
		require.NoError(t, err)

		inside := from.AddDate(350, 0, 0)
		got, err := idx.Query(ctx, eq, inside, inside.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, committed.ID, got[0].ID)

		short := long
		short.Start, short.End = inside, inside.AddDate(0, 0, 1)
		short.Kind = rental.KindReservation
		_, err = idx.Insert(ctx, short, 1)
		var conflict *rental.ConflictError
		require.True(t, errors.As(err, &conflict), "got %v", err)
		require.Len(t, conflict.Conflicting, 1)
		assert.Equal(t, committed.ID, conflict.Conflicting[0].ID)
	})

	t.Run("cancel contract", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()

		iv, err := idx.Insert(ctx, reservation(eq, 1, 5, 3), 3)
		require.NoError(t, err)

		cancelled, err := idx.Cancel(ctx, iv.ID)
		require.NoError(t, err)
		assert.Equal(t, rental.StateCancelled, cancelled.State)
		assert.Equal(t, 2, cancelled.Version)

		for i := 0; i < 3; i++ {
			_, err = idx.Cancel(ctx, iv.ID)
			assert.ErrorIs(t, err, rental.ErrAlreadyCancelled)
		}
		_, err = idx.Cancel(ctx, uuid.New())
		assert.ErrorIs(t, err, rental.ErrNotFound)

		_, err = idx.Insert(ctx, reservation(eq, 1, 5, 3), 3)
		require.NoError(t, err, "cancelled intervals release capacity")
	})

	t.Run("amend pending only", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()

		hold := reservation(eq, 1, 3, 1)
		hold.State = rental.StatePending
		expires := day(0).Add(time.Hour)
		hold.HoldExpiresAt = &expires
		pending, err := idx.Insert(ctx, hold, 2)
		require.NoError(t, err)
		_, err = idx.Insert(ctx, reservation(eq, 4, 6, 1), 2)
		require.NoError(t, err)

		amended, err := idx.Amend(ctx, pending.ID, day(5), 1, 2)
		require.NoError(t, err)
		assert.True(t, amended.End.Equal(day(5)))

		_, err = idx.Amend(ctx, pending.ID, day(5), 2, 2)
		var conflict *rental.ConflictError
		assert.True(t, errors.As(err, &conflict))

		amended, err = idx.Amend(ctx, pending.ID, day(3), 2, 2)
		require.NoError(t, err, "the interval's own quantity is excluded from the re-check")
		assert.Equal(t, 2, amended.Quantity)

		confirmed, err := idx.Confirm(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, rental.StateConfirmed, confirmed.State)
		assert.Nil(t, confirmed.HoldExpiresAt)

		_, err = idx.Amend(ctx, pending.ID, day(3), 1, 2)
		var invalid *rental.InvalidRequestError
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("expired holds", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()

		hold := reservation(eq, 1, 3, 1)
		hold.State = rental.StatePending
		expires := day(0).Add(time.Hour)
		hold.HoldExpiresAt = &expires
		pending, err := idx.Insert(ctx, hold, 2)
		require.NoError(t, err)

		owned := func(all []rental.Interval) []rental.Interval {
			var out []rental.Interval
			for _, iv := range all {
				if iv.EquipmentID == eq {
					out = append(out, iv)
				}
			}
			return out
		}

		got, err := idx.ExpiredHolds(ctx, day(0))
		require.NoError(t, err)
		assert.Empty(t, owned(got))

		got, err = idx.ExpiredHolds(ctx, expires)
		require.NoError(t, err)
		got = owned(got)
		require.Len(t, got, 1)
		assert.Equal(t, pending.ID, got[0].ID)
	})

	t.Run("concurrent inserts never over-commit", func(t *testing.T) {
		idx := newIndex(t)
		eq := uuid.New()
		const capacity, requests = 4, 24

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < requests; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := idx.Insert(ctx, reservation(eq, i%3, 4+i%3, 1), capacity)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				var conflict *rental.ConflictError
				assert.True(t, errors.As(err, &conflict), "unexpected error %v", err)
			}(i)
		}
		wg.Wait()

		all, err := idx.Query(ctx, eq, day(0), day(10))
		require.NoError(t, err)
		assert.Len(t, all, successes)
		assert.LessOrEqual(t, rental.Peak(all, day(0), day(10)), capacity)
		assert.Equal(t, capacity, successes, "every request covers day 3")
	})
}
