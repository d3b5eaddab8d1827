package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var log = _log.WithField("at", "storage")

// Store is the durable request log. A single SQLite file in WAL mode under
// <dataDir>/data/traffic.db; all writers are serialized by the database.
type Store struct {
	db *gorm.DB
}

// Open creates the data directory on demand and opens (or initializes) the
// traffic database.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "data")
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	dsn := filepath.Join(dir, "traffic.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %v: %w", dsn, err)
	}

	if err := db.AutoMigrate(&Exchange{}, &MockRule{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRequest inserts a row and returns the assigned id. Ids are monotonic
// per store. The caller normally leaves Status at 0 (pending); mock and
// error paths insert final rows directly.
func (s *Store) SaveRequest(ex *Exchange) (int64, error) {
	if ex.Timestamp == 0 {
		ex.Timestamp = time.Now().UnixMilli()
	}
	if err := s.db.Create(ex).Error; err != nil {
		return 0, err
	}
	return ex.ID, nil
}

// UpdateResponse finalizes the pending row id. A row whose status is
// already non-zero is never rewritten.
func (s *Store) UpdateResponse(id int64, upd ResponseUpdate) error {
	return s.db.Model(&Exchange{}).
		Where("id = ? AND status = 0", id).
		Updates(map[string]interface{}{
			"status":           upd.Status,
			"response_headers": upd.ResponseHeaders,
			"response_body":    upd.ResponseBody,
			"content_type":     upd.ContentType,
			"duration":         upd.Duration,
			"size":             upd.Size,
		}).Error
}

func (s *Store) GetByID(id int64) (*Exchange, error) {
	var ex Exchange
	if err := s.db.First(&ex, id).Error; err != nil {
		return nil, err
	}
	return &ex, nil
}

func (s *Store) Delete(id int64) error {
	return s.db.Delete(&Exchange{}, id).Error
}

// ClearAll removes every captured exchange and reclaims file space.
func (s *Store) ClearAll() error {
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Exchange{}).Error; err != nil {
		return err
	}
	return s.db.Exec("VACUUM").Error
}

// DeleteOlderThan removes exchanges older than the given number of hours
// and returns how many were deleted.
func (s *Store) DeleteOlderThan(hours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	res := s.db.Where("timestamp < ?", cutoff).Delete(&Exchange{})
	return res.RowsAffected, res.Error
}

// Mock rule persistence. The in-memory rule list is rebuilt from here at
// startup.

func (s *Store) SaveMockRule(rule *MockRule) error {
	return s.db.Create(rule).Error
}

func (s *Store) UpdateMockRule(rule *MockRule) error {
	return s.db.Save(rule).Error
}

func (s *Store) DeleteMockRule(id string) error {
	return s.db.Delete(&MockRule{}, "id = ?", id).Error
}

func (s *Store) GetMockRule(id string) (*MockRule, error) {
	var rule MockRule
	if err := s.db.First(&rule, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListMockRules returns all rules in descending creation order.
func (s *Store) ListMockRules() ([]*MockRule, error) {
	var rules []*MockRule
	if err := s.db.Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// Settings.

func (s *Store) GetSetting(key string) (string, error) {
	var setting Setting
	if err := s.db.First(&setting, "key = ?", key).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&Setting{Key: key, Value: value}).Error
}

// gormLogger bridges gorm's logger interface onto logrus.
type gormLogger struct {
	level gormlogger.LogLevel
}

func newGormLogger() *gormLogger {
	return &gormLogger{level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.level = level
	return &newLogger
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		log.Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		log.Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		log.Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && err != gorm.ErrRecordNotFound && l.level >= gormlogger.Error:
		sql, rows := fc()
		log.WithFields(_log.Fields{"rows": rows, "elapsed": elapsed}).Errorf("sql error: %v, %v", err, sql)
	case elapsed > time.Second && l.level >= gormlogger.Warn:
		sql, rows := fc()
		log.WithFields(_log.Fields{"rows": rows, "elapsed": elapsed}).Warnf("slow sql: %v", sql)
	}
}
