package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Sessions table - one row per pipeline run
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			backend TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			input_width INTEGER NOT NULL,
			input_height INTEGER NOT NULL,
			num_anchors INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,

		// Detections table - decoded palms, keypoints stored as JSON
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_seq INTEGER NOT NULL,
			score REAL NOT NULL CHECK(score >= 0 AND score <= 1),
			min_x REAL NOT NULL,
			min_y REAL NOT NULL,
			width REAL NOT NULL,
			height REAL NOT NULL,
			keypoints TEXT NOT NULL DEFAULT '[]',
			anchor_index INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_detections_session_id ON detections(session_id, frame_seq)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
