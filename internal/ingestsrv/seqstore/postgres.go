package seqstore

import (
	"database/sql"
	"sync"

	_ "github.com/lib/pq"
)

// PostgresStore persists the durable part of the server's sequence
// state — the per-device high-water mark (spec §6 Persisted state (iii))
// — to Postgres via github.com/lib/pq, while keeping the short-lived
// recency window (the reordering-tolerance LRU) in memory only, since
// spec §6 names just the high-water map as persisted state.
type PostgresStore struct {
	db     *sql.DB
	window int

	mu         sync.Mutex
	recencies  map[string]*perDeviceRecency
}

const seqSchemaDDL = `
CREATE TABLE IF NOT EXISTS device_sequence_highwater (
	device_id  TEXT PRIMARY KEY,
	high_water BIGINT NOT NULL
);
`

func OpenPostgresStore(dsn string, window int) (*PostgresStore, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(seqSchemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, window: window, recencies: make(map[string]*perDeviceRecency)}, nil
}

// perDeviceRecency is the lightweight in-memory window used only to
// reject exact repeats within the reordering-tolerance band; it is not
// persisted, matching spec §6.
type perDeviceRecency struct {
	recency map[uint64]struct{}
	fifo    []uint64
}

func (s *PostgresStore) Accept(deviceID string, sequence uint64) (bool, string) {
	hw, err := s.loadHighWater(deviceID)
	if err != nil {
		return false, "replay"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pd := s.perDeviceLocked(deviceID)

	if _, seenBefore := pd.recency[sequence]; seenBefore {
		return false, "replay"
	}

	if sequence > hw {
		if err := s.saveHighWater(deviceID, sequence); err != nil {
			return false, "replay"
		}
		s.rememberLocked(pd, sequence)
		return true, ""
	}

	if hw-sequence <= uint64(s.window) {
		s.rememberLocked(pd, sequence)
		return true, ""
	}
	return false, "replay"
}

func (s *PostgresStore) HighWater(deviceID string) (uint64, bool) {
	hw, err := s.loadHighWater(deviceID)
	if err != nil {
		return 0, false
	}
	return hw, s.hasRow(deviceID)
}

func (s *PostgresStore) loadHighWater(deviceID string) (uint64, error) {
	var hw int64
	err := s.db.QueryRow(`SELECT high_water FROM device_sequence_highwater WHERE device_id = $1`, deviceID).Scan(&hw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(hw), nil
}

func (s *PostgresStore) hasRow(deviceID string) bool {
	var exists bool
	_ = s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM device_sequence_highwater WHERE device_id = $1)`, deviceID).Scan(&exists)
	return exists
}

func (s *PostgresStore) saveHighWater(deviceID string, sequence uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO device_sequence_highwater (device_id, high_water) VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET high_water = EXCLUDED.high_water
		WHERE device_sequence_highwater.high_water < EXCLUDED.high_water`,
		deviceID, int64(sequence))
	return err
}

func (s *PostgresStore) perDeviceLocked(deviceID string) *perDeviceRecency {
	pd, ok := s.recencies[deviceID]
	if !ok {
		pd = &perDeviceRecency{recency: make(map[uint64]struct{})}
		s.recencies[deviceID] = pd
	}
	return pd
}

func (s *PostgresStore) rememberLocked(pd *perDeviceRecency, sequence uint64) {
	pd.recency[sequence] = struct{}{}
	pd.fifo = append(pd.fifo, sequence)
	if len(pd.fifo) > s.window*4 {
		drop := pd.fifo[0]
		pd.fifo = pd.fifo[1:]
		delete(pd.recency, drop)
	}
}

func (s *PostgresStore) Close() error { return s.db.Close() }
