package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/loopsync/internal/loop"
)

// SaveLoop writes a loop and replaces all of its events.
// The loop keeps the seq it was given on first save.
func (s *Store) SaveLoop(ctx context.Context, l loop.Loop) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save loop %s: %w", l.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loops (id, name, active, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM loops))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`, l.ID, l.Name, l.Active)
	if err != nil {
		return fmt.Errorf("save loop %s: %w", l.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM loop_events WHERE loop_id = ?`, l.ID); err != nil {
		return fmt.Errorf("save loop %s: clear events: %w", l.ID, err)
	}

	if len(l.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO loop_events (loop_id, idx, object_id, hand, finger, timing)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("save loop %s: %w", l.ID, err)
		}
		defer stmt.Close()

		for i, ev := range l.Events {
			if _, err := stmt.ExecContext(ctx, l.ID, i, ev.ObjectID, ev.Hand, ev.Finger, ev.Timing); err != nil {
				return fmt.Errorf("save loop %s: event %d: %w", l.ID, i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save loop %s: commit: %w", l.ID, err)
	}
	return nil
}

// DeleteLoop removes a loop and its events. Deleting an unknown id is not
// an error.
func (s *Store) DeleteLoop(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete loop %s: %w", id, err)
	}
	return nil
}

// LoadLoops returns every journaled loop in creation order.
// Loops without events have an empty, non-nil Events slice.
func (s *Store) LoadLoops(ctx context.Context) ([]loop.Loop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active
		FROM loops
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load loops: %w", err)
	}
	defer rows.Close()

	var loops []loop.Loop
	index := make(map[string]int)
	for rows.Next() {
		var l loop.Loop
		if err := rows.Scan(&l.ID, &l.Name, &l.Active); err != nil {
			return nil, fmt.Errorf("load loops: scan: %w", err)
		}
		l.Events = []loop.Event{}
		index[l.ID] = len(loops)
		loops = append(loops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load loops: %w", err)
	}

	if err := s.loadEvents(ctx, loops, index); err != nil {
		return nil, err
	}
	return loops, nil
}

func (s *Store) loadEvents(ctx context.Context, loops []loop.Loop, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT loop_id, object_id, hand, finger, timing
		FROM loop_events
		ORDER BY loop_id COLLATE BINARY ASC, idx ASC
	`)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			loopID string
			ev     loop.Event
		)
		if err := rows.Scan(&loopID, &ev.ObjectID, &ev.Hand, &ev.Finger, &ev.Timing); err != nil {
			return fmt.Errorf("load events: scan: %w", err)
		}
		i, ok := index[loopID]
		if !ok {
			continue
		}
		loops[i].Events = append(loops[i].Events, ev)
	}
	return rows.Err()
}

// CountLoops returns how many loops are journaled.
func (s *Store) CountLoops(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loops`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count loops: %w", err)
	}
	return n, nil
}
