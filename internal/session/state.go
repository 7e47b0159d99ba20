package session

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"
)

const (
	stateMaxRows    = 100
	stateStaleAfter = 2 * time.Hour
	stateDateLayout = "2006-01-02"
	stateFilePerm   = 0o644
)

// StateRow is one checkpoint of intraday session state, appended every tick so
// a crash loses at most one poll interval of progress.
type StateRow struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionDate    string    `json:"session_date"`
	TradesToday    int       `json:"trades_today"`
	OpeningEquity  float64   `json:"opening_equity"`
	LastBullishBar int       `json:"last_bullish_crossover_bar"`
	LastBearishBar int       `json:"last_bearish_crossover_bar"`
}

// StateStore persists checkpoints as newline-delimited JSON, keeping only the
// most recent rows.
type StateStore struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	now  func() time.Time
}

func NewStateStore(path string, loc *time.Location) *StateStore {
	return &StateStore{path: path, loc: loc, now: time.Now}
}

// Save appends row and trims the file to the last hundred rows.
func (s *StateStore) Save(row StateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.Timestamp.IsZero() {
		row.Timestamp = s.now().In(s.loc)
	}
	line, err := json.Marshal(row)
	if err != nil {
		return err
	}

	existing, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	lines := splitLines(existing)
	lines = append(lines, line)
	if len(lines) > stateMaxRows {
		lines = lines[len(lines)-stateMaxRows:]
	}

	out := append(bytes.Join(lines, []byte("\n")), '\n')
	return os.WriteFile(s.path, out, stateFilePerm)
}

// LoadLatest returns the newest checkpoint, or nil when there is none or the
// newest one is stale: older than two hours or from a different calendar day.
func (s *StateStore) LoadLatest() (*StateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, nil
	}

	var row StateRow
	if err := json.Unmarshal(lines[len(lines)-1], &row); err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	if now.Sub(row.Timestamp) > stateStaleAfter {
		return nil, nil
	}
	if row.SessionDate != now.Format(stateDateLayout) {
		return nil, nil
	}
	return &row, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
