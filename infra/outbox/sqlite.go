// Package outbox provides the durable SQLite-backed implementation of the
// agent outbox. Entries survive process restarts, so buffered telemetry is
// replayed even after a crash while disconnected.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/reliefwings/skybridge/core/agent"
)

type record struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	Channel string `gorm:"size:255;not null"`
	Kind    string `gorm:"size:32;not null"`
	Payload []byte `gorm:"not null"`
	Seq     uint64
	Created time.Time `gorm:"index;not null"`
}

func (record) TableName() string { return "outbox_entries" }

// Sqlite is an agent.Outbox stored in a local SQLite file.
type Sqlite struct {
	db *gorm.DB
}

// Open opens (or creates) the outbox database at path and runs migrations.
func Open(path string) (*Sqlite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening outbox database: %w", err)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate outbox: %w", err)
	}
	return &Sqlite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Sqlite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Sqlite) Append(ctx context.Context, e agent.Entry) error {
	rec := record{Channel: e.Channel, Kind: e.Kind, Payload: e.Payload, Seq: e.Seq, Created: e.Created}
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append outbox entry: %w", err)
	}
	return nil
}

func (s *Sqlite) NextBatch(ctx context.Context, limit int) ([]agent.Entry, error) {
	var recs []record
	q := s.db.WithContext(ctx).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("read outbox batch: %w", err)
	}
	out := make([]agent.Entry, len(recs))
	for i, r := range recs {
		out[i] = agent.Entry{ID: r.ID, Channel: r.Channel, Kind: r.Kind, Payload: r.Payload, Seq: r.Seq, Created: r.Created}
	}
	return out, nil
}

func (s *Sqlite) MarkSent(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&record{}, ids).Error; err != nil {
		return fmt.Errorf("delete sent entries: %w", err)
	}
	return nil
}

func (s *Sqlite) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return n, nil
}

func (s *Sqlite) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.WithContext(ctx).Where("created < ?", cutoff).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Sqlite) Trim(ctx context.Context, max int64) (int64, error) {
	if max < 0 {
		return 0, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	if n <= max {
		return 0, nil
	}
	var cutID uint64
	row := s.db.WithContext(ctx).Model(&record{}).
		Select("id").Order("id desc").Offset(int(max)).Limit(1)
	if err := row.Scan(&cutID).Error; err != nil {
		return 0, fmt.Errorf("find trim cutoff: %w", err)
	}
	res := s.db.WithContext(ctx).Where("id <= ?", cutID).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("trim outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}
