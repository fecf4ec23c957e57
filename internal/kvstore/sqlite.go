package kvstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnRecordKey   = "record_key"
	columnRecordValue = "record_value"
	columnExpiresAt   = "expires_at_s"
	queryLiveKey      = columnRecordKey + " = ? AND " + columnExpiresAt + " > ?"
	queryLive         = columnExpiresAt + " > ?"
	queryExpired      = columnExpiresAt + " <= ?"
	queryKeyFrom      = columnRecordKey + " >= ?"
	queryKeyAfter     = columnRecordKey + " > ?"
	queryKeyBelow     = columnRecordKey + " < ?"
	orderKeyAsc       = columnRecordKey + " ASC"
)

var errMissingDatabase = errors.New("kvstore: database handle is required")

// Record is one key/value row with its absolute expiry.
type Record struct {
	Key              string `gorm:"column:record_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:record_value;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index:idx_records_expires_at"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// SQLiteConfig describes the dependencies of a SQLiteStore.
type SQLiteConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLiteStore keeps records in a single table. Expired rows are invisible to
// reads and removed by Sweep.
type SQLiteStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLiteStore wraps an already migrated database handle.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where(queryLiveKey, key, s.clock().Unix()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("sqlite get", err)
	}
	return record.Value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	record := Record{
		Key:              key,
		Value:            value,
		ExpiresAtSeconds: s.clock().Add(ttl).Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnRecordKey}},
			DoUpdates: clause.AssignmentColumns([]string{columnRecordValue, columnExpiresAt}),
		}).
		Create(&record).Error
	if err != nil {
		return unavailable("sqlite put", err)
	}
	return nil
}

// List pages through live keys in ascending order. It uses a key range rather
// than LIKE because SQLite's LIKE folds ASCII case.
func (s *SQLiteStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	limit = normalizeLimit(limit)
	query := s.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryLive, s.clock().Unix()).
		Where(queryKeyFrom, prefix)
	if upper, bounded := prefixUpperBound(prefix); bounded {
		query = query.Where(queryKeyBelow, upper)
	}
	if cursor != "" {
		query = query.Where(queryKeyAfter, cursor)
	}

	var keys []string
	if err := query.Order(orderKeyAsc).Limit(limit+1).Pluck(columnRecordKey, &keys).Error; err != nil {
		return Page{}, unavailable("sqlite list", err)
	}
	if len(keys) <= limit {
		return Page{Keys: keys}, nil
	}
	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

// Sweep deletes expired rows and reports how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where(queryExpired, s.clock().Unix()).
		Delete(&Record{})
	if result.Error != nil {
		return 0, unavailable("sqlite sweep", result.Error)
	}
	return result.RowsAffected, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SQLiteStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("expired record sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Debug("expired records swept", zap.Int64("removed", removed))
			}
		}
	}
}
