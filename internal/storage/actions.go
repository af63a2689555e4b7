package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lotas/tabgruppen/internal/types"
)

// PushAction appends an action to a window's history and evicts the oldest
// entries beyond capacity, in one transaction.
func PushAction(db *sql.DB, a types.Action, capacity int) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO action_history (window_id, kind, payload, created_at) VALUES (?, ?, ?, ?)",
		a.WindowID, string(a.Kind), string(payload), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM action_history
		WHERE window_id = ? AND id NOT IN (
			SELECT id FROM action_history WHERE window_id = ? ORDER BY id DESC LIMIT ?
		)`, a.WindowID, a.WindowID, capacity)
	if err != nil {
		return fmt.Errorf("evict old actions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PopAction removes and returns the most recent action for a window.
// Returns nil, nil if the window has no history.
func PopAction(db *sql.DB, windowID int) (*types.Action, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload string
	err = tx.QueryRow(
		"SELECT id, payload FROM action_history WHERE window_id = ? ORDER BY id DESC LIMIT 1",
		windowID,
	).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest action: %w", err)
	}

	var a types.Action
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("decode action %d: %w", id, err)
	}

	if _, err := tx.Exec("DELETE FROM action_history WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("delete action %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &a, nil
}

// ListActions returns a window's history, oldest first.
func ListActions(db *sql.DB, windowID int) ([]types.Action, error) {
	rows, err := db.Query(
		"SELECT payload FROM action_history WHERE window_id = ? ORDER BY id",
		windowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var result []types.Action
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var a types.Action
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return result, nil
}

// DeleteWindowActions drops the history of a closed window.
func DeleteWindowActions(db *sql.DB, windowID int) error {
	if _, err := db.Exec("DELETE FROM action_history WHERE window_id = ?", windowID); err != nil {
		return fmt.Errorf("delete actions for window %d: %w", windowID, err)
	}
	return nil
}
