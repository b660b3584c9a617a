// Package store writes harvested cities to a SQL database through GORM.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// chunkSize bounds the rows of one INSERT statement.
const chunkSize = 500

// Store defines the database operations of a harvest.
type Store interface {
	SaveCities(ctx context.Context, cities []City) (int, error)
	CountCities(ctx context.Context) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// Open connects to dsn and migrates the schema. DSNs starting with
// "sqlite:" or "file:", or ending in ".db", select SQLite; anything else
// is handed to the Postgres driver.
func Open(dsn string) (*gorm.DB, error) {
	dialector, isSQLite := dialectorFor(dsn)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logging.NewLogger("store")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		// an in-memory database lives in a single connection
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&City{}); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}
	return db, nil
}

func dialectorFor(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), true
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), true
	default:
		return postgres.Open(dsn), false
	}
}

// SaveCities inserts the cities, updating rows whose city_qid exists.
func (s *gormStore) SaveCities(ctx context.Context, cities []City) (int, error) {
	if len(cities) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "city_qid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"city_label", "country_code", "country_label",
				"continent_code", "continent_label",
				"population", "area", "updated_at",
			}),
		}).
		CreateInBatches(&cities, chunkSize)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to save cities: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountCities returns the number of stored cities.
func (s *gormStore) CountCities(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&City{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count cities: %w", err)
	}
	return n, nil
}

// zerologWriter feeds GORM's logger into zerolog.
type zerologWriter struct {
	logger zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...interface{}) {
	w.logger.Debug().Msgf(format, args...)
}

func newGormLogger(l zerolog.Logger) gormlogger.Interface {
	return gormlogger.New(zerologWriter{logger: l}, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
