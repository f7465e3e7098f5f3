package sessiondb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/server/session"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *SessionDB {
	db, err := NewSessionDB(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "db", "sessions.sqlite"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestAddAndList(t *testing.T) {
	db := createTestDB(t)

	start := time.UnixMilli(1700000000000)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.AddSession(&session.Summary{
			Dir:          filepath.Join("recordings", "s", string(rune('a'+i))),
			StartedAt:    start.Add(time.Duration(i) * time.Minute),
			Duration:     1500 * time.Millisecond,
			Frames:       45,
			Samples:      40 + i,
			Baseline:     i * 10,
			MeanDiameter: 21.5,
			MinDiameter:  19,
			MaxDiameter:  24,
		}))
	}

	all, err := db.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// newest first
	require.Equal(t, 42, all[0].Samples)
	require.Equal(t, 40, all[2].Samples)
	require.Equal(t, 0, all[2].Baseline)

	sum := all[0].ToSummary()
	require.True(t, sum.StartedAt.Equal(start.Add(2*time.Minute)))
	require.Equal(t, 1500*time.Millisecond, sum.Duration)
	require.Equal(t, int64(45), sum.Frames)
	require.Equal(t, 20, sum.Baseline)
	require.Equal(t, 21.5, sum.MeanDiameter)

	two, err := db.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, two, 2)
}

func TestReopen(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "sessions.sqlite")
	db, err := NewSessionDB(logs.NewTestingLog(t), filename)
	require.NoError(t, err)
	require.NoError(t, db.AddSession(&session.Summary{Dir: "x", StartedAt: time.Now()}))
	db.Close()

	db, err = NewSessionDB(logs.NewTestingLog(t), filename)
	require.NoError(t, err)
	defer db.Close()
	all, err := db.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "x", all[0].Dir)
}

func TestSessionDBIsACatalog(t *testing.T) {
	var _ session.Catalog = createTestDB(t)
}
