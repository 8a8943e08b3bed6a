package schedule

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore writes an event config and schedule tables into a temp dir
// and pins the clock.
func newTestStore(t *testing.T, eventDate string, tables map[string]string, now time.Time) *Store {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "event.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("event_date: \""+eventDate+"\"\n"), 0o644))

	schedulesDir := filepath.Join(dir, "schedules")
	require.NoError(t, os.Mkdir(schedulesDir, 0o755))
	for topic, content := range tables {
		require.NoError(t, os.WriteFile(filepath.Join(schedulesDir, topic+".yaml"), []byte(content), 0o644))
	}

	store := NewStore(configPath, schedulesDir)
	store.SetClock(func() time.Time { return now })
	return store
}

func TestCurrentContext(t *testing.T) {
	now := time.Date(2026, 9, 13, 10, 0, 0, 0, time.Local)

	tests := []struct {
		name      string
		eventDate string
		want      EventContext
	}{
		{"before", "2026-09-16", BeforeEvent},
		{"during", "2026-09-13", DuringEvent},
		{"after", "2026-09-10", AfterEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, tt.eventDate, nil, now)
			assert.Equal(t, tt.want, store.CurrentContext())
		})
	}

	t.Run("missing config", func(t *testing.T) {
		store := NewStore("/nonexistent/event.yaml", "/nonexistent")
		assert.Equal(t, ContextError, store.CurrentContext())
	})

	t.Run("malformed date", func(t *testing.T) {
		store := newTestStore(t, "September 13th", nil, now)
		assert.Equal(t, ContextError, store.CurrentContext())
	})
}

func TestDaysUntilEvent(t *testing.T) {
	now := time.Date(2026, 9, 10, 23, 0, 0, 0, time.Local)

	t.Run("counts whole days regardless of clock time", func(t *testing.T) {
		store := newTestStore(t, "2026-09-13", nil, now)
		notice := store.DaysUntilEvent()
		assert.Contains(t, notice, "3日")
	})

	t.Run("empty on event day", func(t *testing.T) {
		store := newTestStore(t, "2026-09-10", nil, now)
		assert.Empty(t, store.DaysUntilEvent())
	})

	t.Run("empty after the event", func(t *testing.T) {
		store := newTestStore(t, "2026-09-01", nil, now)
		assert.Empty(t, store.DaysUntilEvent())
	})

	t.Run("empty on unreadable config", func(t *testing.T) {
		store := NewStore("/nonexistent/event.yaml", "/nonexistent")
		assert.Empty(t, store.DaysUntilEvent())
	})
}

func TestSelectTopic(t *testing.T) {
	store := NewStore("", "")

	assert.Equal(t, "mogi_lecture", store.SelectTopic("模擬講義は何時からですか"))
	assert.Equal(t, "cafeteria", store.SelectTopic("学食のおすすめは？"))
	// User input takes priority over passage text.
	assert.Equal(t, "campus_tour", store.SelectTopic("ツアーに参加したい", "学食の案内"))
	// No keyword match falls back to the whole-event table.
	assert.Equal(t, DefaultTopic, store.SelectTopic("駐車場はありますか"))
}

const testTable = `entries:
  - event_name: "模擬講義A"
    start_time: "10:00"
    end_time: "10:45"
    location: "講義室201"
    presenter: "情報工学科"
  - event_name: "模擬講義B"
    start_time: "11:00"
    end_time: "11:45"
    location: "講義室202"
  - event_name: "模擬講義C"
    start_time: "14:00"
    end_time: "14:45"
    location: "講義室203"
`

func TestCurrentScheduleInfo(t *testing.T) {
	tables := map[string]string{"mogi_lecture": testTable}

	t.Run("ongoing and upcoming partition", func(t *testing.T) {
		now := time.Date(2026, 9, 13, 10, 30, 0, 0, time.Local)
		store := newTestStore(t, "2026-09-13", tables, now)

		info := store.CurrentScheduleInfo("mogi_lecture")
		assert.Contains(t, info, "【現在開催中】")
		assert.Contains(t, info, "模擬講義A")
		assert.Contains(t, info, "【まもなく開始（1時間以内）】")
		assert.Contains(t, info, "模擬講義B")
		assert.NotContains(t, info, "模擬講義C")
	})

	t.Run("nothing scheduled yields canned message", func(t *testing.T) {
		now := time.Date(2026, 9, 13, 17, 0, 0, 0, time.Local)
		store := newTestStore(t, "2026-09-13", tables, now)

		info := store.CurrentScheduleInfo("mogi_lecture")
		assert.Equal(t, "現在開催中のプログラムはありません。次のプログラムまでしばらくお待ちください。", info)
	})

	t.Run("missing topic falls back to default table", func(t *testing.T) {
		now := time.Date(2026, 9, 13, 10, 30, 0, 0, time.Local)
		store := newTestStore(t, "2026-09-13", map[string]string{DefaultTopic: testTable}, now)

		info := store.CurrentScheduleInfo("cafeteria")
		assert.Contains(t, info, "模擬講義A")
	})

	t.Run("no table at all yields empty string", func(t *testing.T) {
		now := time.Date(2026, 9, 13, 10, 30, 0, 0, time.Local)
		store := newTestStore(t, "2026-09-13", nil, now)
		assert.Empty(t, store.CurrentScheduleInfo("mogi_lecture"))
	})

	t.Run("malformed entries are skipped", func(t *testing.T) {
		broken := strings.Replace(testTable, `start_time: "11:00"`, `start_time: "eleven"`, 1)
		now := time.Date(2026, 9, 13, 10, 30, 0, 0, time.Local)
		store := newTestStore(t, "2026-09-13", map[string]string{"mogi_lecture": broken}, now)

		info := store.CurrentScheduleInfo("mogi_lecture")
		assert.Contains(t, info, "模擬講義A")
		assert.NotContains(t, info, "模擬講義B")
	})
}
