package storage

import (
	"database/sql"
	"errors"
)

// LoadSessionState returns the stored session snapshot of a channel, or nil
// when there is none.
func (s *Store) LoadSessionState(channelID string) ([]byte, error) {
	var state string
	err := s.db.QueryRow(`SELECT state_json FROM channel_sessions WHERE channel_id = ?`, channelID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

func (s *Store) SaveSessionState(channelID string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO channel_sessions (channel_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		channelID, string(data), s.timestamp(),
	)
	return err
}
