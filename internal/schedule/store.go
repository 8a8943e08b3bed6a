// Package schedule provides event-date context and live schedule lookup for
// the open-campus event. All data comes from YAML files: one global event
// config and a directory of topic-keyed schedule tables.
//
// The store is read-only and deliberately forgiving: a missing or corrupt
// schedule file yields "no information", never an error surfaced to the
// user, and malformed individual entries are skipped.
package schedule

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventContext is the coarse temporal phase relative to the event date.
type EventContext string

const (
	BeforeEvent  EventContext = "BEFORE_EVENT"
	DuringEvent  EventContext = "DURING_EVENT"
	AfterEvent   EventContext = "AFTER_EVENT"
	ContextError EventContext = "CONTEXT_ERROR"
)

// DefaultTopic is the whole-event schedule table used when no specific
// topic matches or a topic table is missing.
const DefaultTopic = "main_event"

// upcomingWindow is how far ahead an entry counts as "starting soon".
const upcomingWindow = time.Hour

// eventConfig is the YAML shape of the global event config file.
type eventConfig struct {
	EventDate string `yaml:"event_date"` // YYYY-MM-DD
}

// scheduleFile is the YAML shape of one topic's schedule table.
type scheduleFile struct {
	Entries []Entry `yaml:"entries"`
}

// Entry is one scheduled program item.
type Entry struct {
	EventName   string `yaml:"event_name"`
	StartTime   string `yaml:"start_time"` // HH:MM
	EndTime     string `yaml:"end_time"`   // HH:MM
	Location    string `yaml:"location"`
	Description string `yaml:"description,omitempty"`
	Presenter   string `yaml:"presenter,omitempty"`
}

// topicKeywords maps schedule topics to the keywords that select them.
// Checked in declaration order against the user input first, then the
// retrieved passages.
var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"mogi_lecture", []string{"模擬講義", "体験授業", "模擬授業"}},
	{"campus_tour", []string{"キャンパスツアー", "ツアー", "見学"}},
	{"consultation", []string{"個別相談", "入試相談", "相談"}},
	{"cafeteria", []string{"学食", "食堂", "ランチ"}},
}

// Store reads the event config and schedule tables.
type Store struct {
	eventConfigPath string
	schedulesDir    string

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewStore creates a schedule store over the given config file and
// schedules directory.
func NewStore(eventConfigPath, schedulesDir string) *Store {
	return &Store{
		eventConfigPath: eventConfigPath,
		schedulesDir:    schedulesDir,
		now:             time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// eventDate loads and parses the configured event date (date only).
func (s *Store) eventDate() (time.Time, error) {
	data, err := os.ReadFile(s.eventConfigPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: failed to read event config: %w", err)
	}

	var cfg eventConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return time.Time{}, fmt.Errorf("schedule: failed to parse event config: %w", err)
	}

	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(cfg.EventDate), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: invalid event_date %q: %w", cfg.EventDate, err)
	}
	return date, nil
}

// CurrentContext compares today's date with the configured event date.
// Missing or malformed config yields ContextError, which downstream treats
// as "no time-based behavior".
func (s *Store) CurrentContext() EventContext {
	date, err := s.eventDate()
	if err != nil {
		log.Printf("schedule: %v", err)
		return ContextError
	}

	today := truncateToDay(s.now())
	eventDay := truncateToDay(date)

	switch {
	case today.Before(eventDay):
		return BeforeEvent
	case today.After(eventDay):
		return AfterEvent
	default:
		return DuringEvent
	}
}

// DaysUntilEvent returns a countdown notice, or "" once the event has
// started or passed, or when the config is unreadable.
func (s *Store) DaysUntilEvent() string {
	date, err := s.eventDate()
	if err != nil {
		log.Printf("schedule: %v", err)
		return ""
	}

	today := truncateToDay(s.now())
	eventDay := truncateToDay(date)
	if !today.Before(eventDay) {
		return ""
	}

	days := int(eventDay.Sub(today).Hours() / 24)
	return fmt.Sprintf("オープンキャンパスまであと%d日です。", days)
}

// SelectTopic picks a schedule topic by scanning the given texts (user
// input first, then retrieved passages) for known topic keywords.
// Falls back to the whole-event topic.
func (s *Store) SelectTopic(texts ...string) string {
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, tk := range topicKeywords {
			for _, kw := range tk.keywords {
				if strings.Contains(text, kw) {
					return tk.topic
				}
			}
		}
	}
	return DefaultTopic
}

// CurrentScheduleInfo loads the schedule table for topic (falling back to
// the default whole-event table) and returns a composite human-readable
// message about ongoing entries and entries starting within the next hour.
//
// Returns "" when no table can be loaded at all. Returns a canned
// "nothing scheduled" message when the table loads but nothing matches.
func (s *Store) CurrentScheduleInfo(topic string) string {
	entries, ok := s.loadEntries(topic)
	if !ok && topic != DefaultTopic {
		entries, ok = s.loadEntries(DefaultTopic)
	}
	if !ok {
		return ""
	}

	now := s.now()
	var ongoing, upcoming []Entry
	for _, e := range entries {
		start, end, err := e.window(now)
		if err != nil {
			log.Printf("schedule: skipping malformed entry %q: %v", e.EventName, err)
			continue
		}
		switch {
		case !now.Before(start) && !now.After(end):
			ongoing = append(ongoing, e)
		case now.Before(start) && !start.After(now.Add(upcomingWindow)):
			upcoming = append(upcoming, e)
		}
	}

	if len(ongoing) == 0 && len(upcoming) == 0 {
		return "現在開催中のプログラムはありません。次のプログラムまでしばらくお待ちください。"
	}

	var b strings.Builder
	if len(ongoing) > 0 {
		b.WriteString("【現在開催中】\n")
		for _, e := range ongoing {
			b.WriteString(formatEntry(e))
		}
	}
	if len(upcoming) > 0 {
		b.WriteString("【まもなく開始（1時間以内）】\n")
		for _, e := range upcoming {
			b.WriteString(formatEntry(e))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// loadEntries reads one topic's schedule table. ok is false when the file
// is missing or unparseable.
func (s *Store) loadEntries(topic string) ([]Entry, bool) {
	path := filepath.Join(s.schedulesDir, topic+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("schedule: failed to read table %s: %v", path, err)
		return nil, false
	}

	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Printf("schedule: failed to parse table %s: %v", path, err)
		return nil, false
	}
	return file.Entries, true
}

// window resolves the entry's HH:MM times onto today's date.
func (e Entry) window(now time.Time) (time.Time, time.Time, error) {
	if e.EventName == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing event_name")
	}
	start, err := atClock(now, e.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad start_time %q: %w", e.StartTime, err)
	}
	end, err := atClock(now, e.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad end_time %q: %w", e.EndTime, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_time %q before start_time %q", e.EndTime, e.StartTime)
	}
	return start, end, nil
}

// atClock combines today's date with an HH:MM clock string.
func atClock(now time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

func formatEntry(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "・「%s」 %s〜%s 場所: %s", e.EventName, e.StartTime, e.EndTime, e.Location)
	if e.Presenter != "" {
		fmt.Fprintf(&b, " 担当: %s", e.Presenter)
	}
	b.WriteString("\n")
	return b.String()
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
