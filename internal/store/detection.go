package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Point is a stored keypoint in normalised image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one palm recorded during a session.
type Detection struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	FrameSeq  int64     `json:"frame_seq"`
	Score     float64   `json:"score"`
	MinX      float64   `json:"min_x"`
	MinY      float64   `json:"min_y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Keypoints []Point   `json:"keypoints"`
	Anchor    int       `json:"anchor"`
	CreatedAt time.Time `json:"created_at"`
}

// DetectionRepository provides operations on recorded detections.
type DetectionRepository struct {
	db *sql.DB
}

// Detections returns the detection repository for this store.
func (s *Store) Detections() *DetectionRepository {
	return &DetectionRepository{db: s.db}
}

// Create inserts detections for a session in a single transaction,
// assigning IDs and timestamps where unset.
func (r *DetectionRepository) Create(sessionID string, dets []*Detection) error {
	if len(dets) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO detections (id, session_id, frame_seq, score, min_x, min_y, width, height, keypoints, anchor_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, d := range dets {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.SessionID = sessionID

		keypoints := d.Keypoints
		if keypoints == nil {
			keypoints = []Point{}
		}
		data, err := json.Marshal(keypoints)
		if err != nil {
			return fmt.Errorf("encode keypoints: %w", err)
		}

		if _, err := stmt.Exec(d.ID, sessionID, d.FrameSeq, d.Score, d.MinX, d.MinY, d.Width, d.Height,
			string(data), d.Anchor, d.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListBySession returns the detections of a session in frame order.
// limit <= 0 returns all of them.
func (r *DetectionRepository) ListBySession(sessionID string, limit int) ([]*Detection, error) {
	query := `SELECT id, session_id, frame_seq, score, min_x, min_y, width, height, keypoints, anchor_index, created_at
		 FROM detections
		 WHERE session_id = ?
		 ORDER BY frame_seq, score DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dets []*Detection
	for rows.Next() {
		d := &Detection{}
		var keypoints string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.FrameSeq, &d.Score, &d.MinX, &d.MinY, &d.Width, &d.Height,
			&keypoints, &d.Anchor, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keypoints), &d.Keypoints); err != nil {
			return nil, fmt.Errorf("decode keypoints of %s: %w", d.ID, err)
		}
		dets = append(dets, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return dets, nil
}

// CountBySession returns how many detections a session recorded.
func (r *DetectionRepository) CountBySession(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM detections WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// DeleteBySession removes all detections of a session.
func (r *DetectionRepository) DeleteBySession(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM detections WHERE session_id = ?`, sessionID)
	return err
}
