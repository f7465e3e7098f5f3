// Package sessiondb is a sqlite catalog of recorded sessions
package sessiondb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/server/log"
	"github.com/cyclopcam/pupilcam/server/session"
	"gorm.io/gorm"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Session is one finished recording
type Session struct {
	BaseModel
	StartedAt      dbh.IntTime `json:"startedAt"`
	Duration       int64       `json:"duration"` // milliseconds
	Dir            string      `json:"dir"`
	Frames         int64       `json:"frames"`
	Samples        int         `json:"samples"`
	Baseline       int         `json:"baseline" gorm:"default:null"`
	MeanDiameter   float64     `json:"meanDiameter"`
	StdDevDiameter float64     `json:"stdDevDiameter"`
	MinDiameter    int         `json:"minDiameter"`
	MaxDiameter    int         `json:"maxDiameter"`
}

type SessionDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create a session DB
func NewSessionDB(logger logs.Log, dbFilename string) (*SessionDB, error) {
	logger = log.NewPrefixLogger(logger, "SessionDB:")
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create directory for %v: %w", dbFilename, err)
	}
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open session database %v: %w", dbFilename, err)
	}
	return &SessionDB{
		Log: logger,
		DB:  db,
	}, nil
}

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE session(
			id INTEGER PRIMARY KEY,
			started_at INT NOT NULL,
			duration INT NOT NULL,
			dir TEXT NOT NULL,
			frames INT NOT NULL,
			samples INT NOT NULL,
			baseline INT,
			mean_diameter REAL NOT NULL,
			std_dev_diameter REAL NOT NULL,
			min_diameter INT NOT NULL,
			max_diameter INT NOT NULL
		);
		CREATE INDEX idx_session_started_at ON session(started_at);
	`))

	return migs
}

func (s *SessionDB) Close() {
	if sqlDB, err := s.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// AddSession records a finished session
func (s *SessionDB) AddSession(sum *session.Summary) error {
	rec := Session{
		StartedAt:      dbh.MakeIntTime(sum.StartedAt),
		Duration:       sum.Duration.Milliseconds(),
		Dir:            sum.Dir,
		Frames:         sum.Frames,
		Samples:        sum.Samples,
		Baseline:       sum.Baseline,
		MeanDiameter:   sum.MeanDiameter,
		StdDevDiameter: sum.StdDevDiameter,
		MinDiameter:    sum.MinDiameter,
		MaxDiameter:    sum.MaxDiameter,
	}
	if err := s.DB.Create(&rec).Error; err != nil {
		return err
	}
	s.Log.Infof("Added session %v (%v)", rec.ID, rec.Dir)
	return nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means no limit.
func (s *SessionDB) ListSessions(limit int) ([]Session, error) {
	q := s.DB.Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sessions := []Session{}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ToSummary converts a stored session back into a summary
func (r *Session) ToSummary() *session.Summary {
	return &session.Summary{
		Dir:            r.Dir,
		StartedAt:      r.StartedAt.Get(),
		Duration:       time.Duration(r.Duration) * time.Millisecond,
		Frames:         r.Frames,
		Samples:        r.Samples,
		Baseline:       r.Baseline,
		MeanDiameter:   r.MeanDiameter,
		StdDevDiameter: r.StdDevDiameter,
		MinDiameter:    r.MinDiameter,
		MaxDiameter:    r.MaxDiameter,
	}
}
