package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

func appendEvents(t *testing.T, db *gorm.DB, repo OutboxRepository, evs ...*model.OutboxEvent) {
	t.Helper()
	err := database.NewTransactor(db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		for _, ev := range evs {
			if err := repo.Append(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func event(aggregate string) *model.OutboxEvent {
	return &model.OutboxEvent{AggregateID: aggregate, Type: "catalog.item.created", Payload: []byte(`{}`), AvailableAt: t0}
}

func TestOutboxAppendRequiresTransaction(t *testing.T) {
	repo := NewOutboxRepository(setupDB(t))
	err := repo.Append(context.Background(), event("X1"))
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestOutboxAppendRolledBackWithTransaction(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)

	boom := errors.New("boom")
	err := database.NewTransactor(db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		if err := repo.Append(ctx, event("X1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats[model.OutboxPending])
}

func TestOutboxClaimHeadOfAggregate(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	appendEvents(t, db, repo, event("A"), event("B"), event("A"), event("C"))

	claimed, err := repo.ClaimBatch(ctx, 10, t0, "tok-1")
	require.NoError(t, err)
	ids := eventIDs(claimed)
	assert.Equal(t, []uint64{1, 2, 4}, ids, "second A event waits behind the first")
	for _, ev := range claimed {
		assert.Equal(t, model.OutboxDispatching, ev.Status)
		assert.Equal(t, "tok-1", ev.ClaimToken)
	}

	// 第一个 A 仍在 dispatching，第二个 A 不可认领
	again, err := repo.ClaimBatch(ctx, 10, t0, "tok-2")
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.MarkPublished(ctx, 1, "tok-1", t0))
	again, err = repo.ClaimBatch(ctx, 10, t0, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, eventIDs(again))
}

func TestOutboxClaimRespectsAvailableAt(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	later := event("A")
	later.AvailableAt = t0.Add(time.Minute)
	appendEvents(t, db, repo, later)

	claimed, err := repo.ClaimBatch(ctx, 10, t0, "tok")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = repo.ClaimBatch(ctx, 10, t0.Add(time.Minute), "tok")
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestOutboxClaimIsExclusive(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	appendEvents(t, db, repo, event("A"), event("B"))

	first, err := repo.ClaimBatch(ctx, 10, t0, "tok-1")
	require.NoError(t, err)
	second, err := repo.ClaimBatch(ctx, 10, t0, "tok-2")
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Empty(t, second)
}

func TestOutboxMarkRequiresMatchingClaim(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	appendEvents(t, db, repo, event("A"))

	_, err := repo.ClaimBatch(ctx, 10, t0, "tok-1")
	require.NoError(t, err)

	assert.ErrorIs(t, repo.MarkPublished(ctx, 1, "other", t0), ErrClaimLost)
	require.NoError(t, repo.MarkRetry(ctx, 1, "tok-1", t0.Add(2*time.Second), "sink down"))
	assert.ErrorIs(t, repo.MarkPublished(ctx, 1, "tok-1", t0), ErrClaimLost, "row is pending again")

	var ev model.OutboxEvent
	require.NoError(t, db.First(&ev, 1).Error)
	assert.Equal(t, model.OutboxPending, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, "sink down", ev.LastError)
	assert.Empty(t, ev.ClaimToken)
	assert.True(t, ev.AvailableAt.Equal(t0.Add(2*time.Second)))
}

func TestOutboxSweepExpiredLeases(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	almostDone := event("B")
	appendEvents(t, db, repo, event("A"), almostDone)
	require.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", 2).Update("attempts", 2).Error)

	_, err := repo.ClaimBatch(ctx, 10, t0, "crashed")
	require.NoError(t, err)

	// 租约未过期时不回收
	res, err := repo.SweepExpiredLeases(ctx, t0.Add(-time.Second), 3, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued)
	assert.Empty(t, res.Failed)

	res, err = repo.SweepExpiredLeases(ctx, t0.Add(time.Minute), 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, uint64(2), res.Failed[0].ID)
	assert.Equal(t, 3, res.Failed[0].Attempts)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[model.OutboxPending])
	assert.Equal(t, int64(1), stats[model.OutboxFailed])
	assert.Zero(t, stats[model.OutboxDispatching])

	// 原投递器醒来后的确认必须失败
	assert.ErrorIs(t, repo.MarkPublished(ctx, 1, "crashed", t0), ErrClaimLost)
}

func TestOutboxFailedDoesNotBlockAggregate(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	appendEvents(t, db, repo, event("A"), event("A"))

	_, err := repo.ClaimBatch(ctx, 10, t0, "tok")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, 1, "tok", "permanent"))

	claimed, err := repo.ClaimBatch(ctx, 10, t0, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, eventIDs(claimed))
}

func TestOutboxFailedQueueAndRequeue(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	appendEvents(t, db, repo, event("A"))

	_, err := repo.ClaimBatch(ctx, 10, t0, "tok")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, 1, "tok", "permanent"))

	failed, err := repo.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "permanent", failed[0].LastError)

	assert.ErrorIs(t, repo.Requeue(ctx, 99, t0), ErrNotFound)
	require.NoError(t, repo.Requeue(ctx, 1, t0.Add(time.Hour)))

	claimed, err := repo.ClaimBatch(ctx, 10, t0.Add(time.Hour), "tok-2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Zero(t, claimed[0].Attempts)
}

func TestOutboxPurgePublished(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	appendEvents(t, db, repo, event("A"), event("B"), event("C"))

	_, err := repo.ClaimBatch(ctx, 10, t0, "tok")
	require.NoError(t, err)
	require.NoError(t, repo.MarkPublished(ctx, 1, "tok", t0))
	require.NoError(t, repo.MarkPublished(ctx, 2, "tok", t0.Add(48*time.Hour)))

	n, err := repo.PurgePublished(ctx, t0.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[model.OutboxPublished])
	assert.Equal(t, int64(1), stats[model.OutboxDispatching])
}

func eventIDs(evs []*model.OutboxEvent) []uint64 {
	ids := make([]uint64, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}
