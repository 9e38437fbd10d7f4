package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	logDB := NewDB(filepath.Join(t.TempDir(), "logs.db"), &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))
	t.Cleanup(func() {
		cancel()
		logDB.wg.Wait()
	})
	return logDB
}

func TestQuery(t *testing.T) {
	msg1 := Log{
		Level:   LevelError,
		Time:    4000,
		Src:     "recorder",
		Session: "a",
		Msg:     "msg1",
	}
	msg2 := Log{
		Level: LevelWarning,
		Time:  3000,
		Src:   "recorder",
		Msg:   "msg2",
	}
	msg3 := Log{
		Level:   LevelInfo,
		Time:    2000,
		Src:     "player",
		Session: "b",
		Msg:     "msg3",
	}

	logDB := newTestDB(t)
	require.NoError(t, logDB.saveLog(msg3))
	require.NoError(t, logDB.saveLog(msg2))
	require.NoError(t, logDB.saveLog(msg1))

	cases := []struct {
		name     string
		input    Query
		expected []Log
	}{
		{
			name:     "singleLevel",
			input:    Query{Levels: []Level{LevelWarning}},
			expected: []Log{msg2},
		},
		{
			name:     "multipleLevels",
			input:    Query{Levels: []Level{LevelError, LevelWarning}},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "singleSource",
			input:    Query{Sources: []string{"recorder"}},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "singleSession",
			input:    Query{Sessions: []string{"b"}},
			expected: []Log{msg3},
		},
		{
			name:     "multipleSessions",
			input:    Query{Sessions: []string{"a", "b"}},
			expected: []Log{msg1, msg3},
		},
		{
			name:     "all",
			input:    Query{},
			expected: []Log{msg1, msg2, msg3},
		},
		{
			name:     "limit",
			input:    Query{Limit: 2},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "exactTime",
			input:    Query{Time: 4000},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "time",
			input:    Query{Time: 3500},
			expected: []Log{msg2, msg3},
		},
		{
			name:  "none",
			input: Query{Time: 1000},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, logs)
		})
	}
}

func TestQueryEmpty(t *testing.T) {
	logs, err := newTestDB(t).Query(Query{})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestQueryUnmarshalErr(t *testing.T) {
	logDB := newTestDB(t)
	err := logDB.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dbAPIversion)).Put([]byte("invalid"), []byte("nil"))
	})
	require.NoError(t, err)

	_, err = logDB.Query(Query{})
	require.Error(t, err)
}

func TestDBSameMillisecond(t *testing.T) {
	logDB := newTestDB(t)
	require.NoError(t, logDB.saveLog(Log{Time: 1, Msg: "a"}))
	require.NoError(t, logDB.saveLog(Log{Time: 1, Msg: "b"}))

	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Equal(t, []Log{{Time: 1, Msg: "b"}, {Time: 1, Msg: "a"}}, logs)
}

func TestDBMaxKeys(t *testing.T) {
	logDB := newTestDB(t)
	logDB.maxKeys = 3

	for i := 1; i <= 5; i++ {
		require.NoError(t, logDB.saveLog(Log{Time: UnixMillisecond(i)}))
	}

	err := logDB.db.View(func(tx *bolt.Tx) error {
		require.Equal(t, 3, tx.Bucket([]byte(dbAPIversion)).Stats().KeyN)
		return nil
	})
	require.NoError(t, err)

	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Equal(t, []Log{{Time: 5}, {Time: 4}, {Time: 3}}, logs)
}

func TestDBOpenErr(t *testing.T) {
	logDB := NewDB("/dev/null", &sync.WaitGroup{})
	require.Error(t, logDB.Init(context.Background()))
}

func TestSaveLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := NewMockLogger()
	logger.Start(ctx)

	logDB := newTestDB(t)
	logDB.SaveLogs(ctx, logger)
	logger.Error().Src("recorder").Session("x").Msg("disk full")

	require.Eventually(t, func() bool {
		logs, err := logDB.Query(Query{Sessions: []string{"x"}})
		return err == nil && len(logs) == 1 && logs[0].Msg == "disk full"
	}, time.Second, 5*time.Millisecond)
}
