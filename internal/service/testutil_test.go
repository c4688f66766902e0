package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/alert"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), "silent")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))
	return db
}

// recordingSink 记录投递顺序；failures 按事件 id 预设前几次失败
type recordingSink struct {
	mu        sync.Mutex
	published []*model.OutboxEvent
	failures  map[uint64][]error
	delay     map[uint64]time.Duration
	calls     int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failures: map[uint64][]error{}, delay: map[uint64]time.Duration{}}
}

func (s *recordingSink) failNext(id uint64, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = append(s.failures[id], errs...)
}

func (s *recordingSink) Publish(ctx context.Context, ev *model.OutboxEvent) error {
	s.mu.Lock()
	s.calls++
	d := s.delay[ev.ID]
	var err error
	if q := s.failures[ev.ID]; len(q) > 0 {
		err, s.failures[ev.ID] = q[0], q[1:]
	}
	s.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.published = append(s.published, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) publishedIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, len(s.published))
	for i, ev := range s.published {
		ids[i] = ev.ID
	}
	return ids
}

// verifyingSink 对指定事件声称已送达
type verifyingSink struct {
	*recordingSink
	delivered map[uint64]bool
}

func (s *verifyingSink) Delivered(_ context.Context, ev *model.OutboxEvent) (bool, error) {
	return s.delivered[ev.ID], nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Notify(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) all() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Alert(nil), a.alerts...)
}

var errSinkDown = errors.New("sink unavailable")

func loadEvent(t *testing.T, db *gorm.DB, id uint64) *model.OutboxEvent {
	t.Helper()
	var ev model.OutboxEvent
	require.NoError(t, db.First(&ev, id).Error)
	return &ev
}

func appendEvent(t *testing.T, db *gorm.DB, repo repository.OutboxRepository, aggregate string, at time.Time) {
	t.Helper()
	err := database.NewTransactor(db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		return repo.Append(ctx, &model.OutboxEvent{AggregateID: aggregate, Type: EventCatalogItemCreated, Payload: []byte(`{}`), AvailableAt: at})
	})
	require.NoError(t, err)
}
