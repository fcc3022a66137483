package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"coin-clash/models"

	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (s *memStore) PutObject(_ context.Context, key string, body []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = body
	return "https://cdn.test/" + key, nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedMatch(t *testing.T, db *gorm.DB, status models.MatchStatus) models.Match {
	t.Helper()
	m := models.Match{
		ID:            uuid.NewString(),
		Name:          "archive me",
		CreatorID:     "creator",
		EntryFee:      decimal.NewFromInt(1),
		KillAwardRate: decimal.RequireFromString("0.1"),
		Currency:      "SOL",
		MinPlayers:    3,
		MaxCharacters: 10,
		Status:        status,
	}
	require.NoError(t, db.Create(&m).Error)
	ev := models.MatchEvent{
		ID:         uuid.NewString(),
		MatchID:    m.ID,
		Seq:        1,
		Round:      1,
		Kind:       "primary",
		Category:   "direct_kill",
		Text:       "A falls",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&ev).Error)
	return m
}

func TestArchiveOnce(t *testing.T) {
	db := testDB(t)
	store := &memStore{}
	w := NewArchiveWorker(db, store, clockwork.NewFakeClock(), zerolog.Nop())

	done := seedMatch(t, db, models.MatchCompleted)
	seedMatch(t, db, models.MatchFilling)

	n, err := w.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	body, ok := store.objects[archiveKey(done.ID)]
	require.True(t, ok)
	var doc MatchArchive
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, done.ID, doc.Match.ID)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, "A falls", doc.Events[0].Text)

	var got models.Match
	require.NoError(t, db.Where("id = ?", done.ID).First(&got).Error)
	assert.NotNil(t, got.ArchivedAt)
	assert.Equal(t, "https://cdn.test/"+archiveKey(done.ID), got.ArchiveURL)

	n, err = w.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "already archived")
}

func TestArchiveUploadFailureLeavesMatchPending(t *testing.T) {
	db := testDB(t)
	store := &memStore{fail: eris.New("bucket unavailable")}
	w := NewArchiveWorker(db, store, clockwork.NewFakeClock(), zerolog.Nop())
	m := seedMatch(t, db, models.MatchFailed)

	_, err := w.ArchiveOnce(context.Background())
	require.Error(t, err)

	var got models.Match
	require.NoError(t, db.Where("id = ?", m.ID).First(&got).Error)
	assert.Nil(t, got.ArchivedAt)

	store.fail = nil
	n, err := w.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveWorkerRunsOnTick(t *testing.T) {
	db := testDB(t)
	store := &memStore{}
	fc := clockwork.NewFakeClock()
	w := NewArchiveWorker(db, store, fc, zerolog.Nop())
	m := seedMatch(t, db, models.MatchCancelled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Minute)
		close(done)
	}()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Minute)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.objects[archiveKey(m.ID)]
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
