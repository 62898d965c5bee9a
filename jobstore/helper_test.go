package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"convertd/models"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// StoreTestSuite runs every test against a fresh in-memory database.
type StoreTestSuite struct {
	suite.Suite
	db    *gorm.DB
	ctx   context.Context
	clock *manualClock
	store *Store
}

func openTestDB(t *testing.T) *gorm.DB {
	db, err := Open(Options{
		Driver:      DriverSQLite,
		DSN:         "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel:    gormlogger.Silent,
		AutoMigrate: true,
	})
	require.NoError(t, err, "Failed to create in-memory database")
	return db
}

func (s *StoreTestSuite) SetupTest() {
	s.db = openTestDB(s.T())
	s.ctx = context.Background()
	s.clock = newManualClock()
	s.store = New(s.db, WithClock(s.clock.Now))
}

func (s *StoreTestSuite) TearDownTest() {
	_ = Close(s.db)
}

func (s *StoreTestSuite) createJob() *models.Job {
	job := &models.Job{
		SourceRef:    "sha256:" + uuid.NewString(),
		SourceFormat: models.FormatMP4,
		TargetFormat: models.FormatWebM,
		Options:      models.Options{Width: 640},
		MaxAttempts:  3,
	}
	_, err := s.store.Create(s.ctx, job)
	s.Require().NoError(err)
	s.clock.Advance(time.Millisecond)
	return job
}

func (s *StoreTestSuite) claim(worker string) *models.Job {
	job, err := s.store.ClaimNextPending(s.ctx, worker)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	return job
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
