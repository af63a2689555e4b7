package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lotas/tabgruppen/internal/types"
)

// LoadSuggestions returns every persisted suggestion entry.
func LoadSuggestions(db *sql.DB) ([]types.SuggestionEntry, error) {
	rows, err := db.Query(
		"SELECT tab_id, window_id, group_name, existing_group_id, created_at FROM suggestion_cache ORDER BY window_id, tab_id",
	)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	var result []types.SuggestionEntry
	for rows.Next() {
		var e types.SuggestionEntry
		var name sql.NullString
		var groupID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.TabID, &e.WindowID, &name, &groupID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if name.Valid {
			s := name.String
			e.GroupName = &s
		}
		if groupID.Valid {
			id := int(groupID.Int64)
			e.ExistingGroupID = &id
		}
		e.Timestamp = time.UnixMilli(createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return result, nil
}

// ReplaceWindowSuggestions persists the full suggestion map of one window in
// a single transaction. Rows for the same tab ids in other windows are
// replaced, so a tab id is stored at most once.
func ReplaceWindowSuggestions(db *sql.DB, windowID int, entries []types.SuggestionEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM suggestion_cache WHERE window_id = ?", windowID); err != nil {
		return fmt.Errorf("clear window %d: %w", windowID, err)
	}

	for _, e := range entries {
		var name, groupID interface{}
		if e.GroupName != nil {
			name = *e.GroupName
		}
		if e.ExistingGroupID != nil {
			groupID = *e.ExistingGroupID
		}
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO suggestion_cache (tab_id, window_id, group_name, existing_group_id, created_at) VALUES (?, ?, ?, ?, ?)",
			e.TabID, windowID, name, groupID, e.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert suggestion for tab %d: %w", e.TabID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteSuggestion removes the entry for tabID. Returns whether a row existed.
func DeleteSuggestion(db *sql.DB, tabID int) (bool, error) {
	res, err := db.Exec("DELETE FROM suggestion_cache WHERE tab_id = ?", tabID)
	if err != nil {
		return false, fmt.Errorf("delete suggestion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListProcessingWindows returns the ids of windows flagged as processing.
func ListProcessingWindows(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT window_id FROM processing_windows ORDER BY window_id")
	if err != nil {
		return nil, fmt.Errorf("query processing windows: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processing window: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetProcessingWindow adds or removes a window from the processing set.
func SetProcessingWindow(db *sql.DB, windowID int, processing bool) error {
	var err error
	if processing {
		_, err = db.Exec("INSERT OR IGNORE INTO processing_windows (window_id) VALUES (?)", windowID)
	} else {
		_, err = db.Exec("DELETE FROM processing_windows WHERE window_id = ?", windowID)
	}
	if err != nil {
		return fmt.Errorf("set processing window %d: %w", windowID, err)
	}
	return nil
}

// ClearProcessingWindows drops every processing flag. Nothing is in flight
// after a restart, so flags left behind by a killed process are stale.
func ClearProcessingWindows(db *sql.DB) error {
	if _, err := db.Exec("DELETE FROM processing_windows"); err != nil {
		return fmt.Errorf("clear processing windows: %w", err)
	}
	return nil
}
