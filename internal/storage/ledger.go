package storage

// MarkActionApplied records an applied action key. Recording a key twice is
// not an error.
func (s *Store) MarkActionApplied(channelID, exchangeID, key string) error {
	_, err := s.db.Exec(`
		INSERT INTO applied_actions (action_key, channel_id, exchange_id, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(action_key) DO NOTHING`,
		key, channelID, exchangeID, s.timestamp(),
	)
	return err
}

// AppliedActionKeys returns the applied keys of a channel grouped by
// exchange id.
func (s *Store) AppliedActionKeys(channelID string) (map[string][]string, error) {
	rows, err := s.db.Query(`
		SELECT exchange_id, action_key FROM applied_actions
		WHERE channel_id = ? ORDER BY applied_at, action_key`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var exID, key string
		if err := rows.Scan(&exID, &key); err != nil {
			return nil, err
		}
		out[exID] = append(out[exID], key)
	}
	return out, rows.Err()
}
