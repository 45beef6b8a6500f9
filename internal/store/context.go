package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ========== Context Enrichment ==========

// EventContextUpdate carries the enrichment fields for one event. Nil string
// pointers keep the column NULL.
type EventContextUpdate struct {
	AccessibilityTree *string
	OCRContent        *string
	VLMDescription    *string
	UserIntent        *string
	Wikilinks         []string
	Tags              []string
}

// UpdateEventContext upserts the enrichment row for an event.
func (s *Store) UpdateEventContext(eventID int64, update EventContextUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wikilinksJSON, err := json.Marshal(update.Wikilinks)
	if err != nil {
		return fmt.Errorf("failed to encode wikilinks: %w", err)
	}
	tagsJSON, err := json.Marshal(update.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO context_enrichment
			(event_id, accessibility_tree_json, ocr_content, vlm_description,
			 user_intent, generated_wikilinks, generated_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, update.AccessibilityTree, update.OCRContent, update.VLMDescription,
		update.UserIntent, string(wikilinksJSON), string(tagsJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert context for event %d: %w", eventID, err)
	}
	return nil
}

// BatchInsertContext applies the same intent and tags to every event id.
// Idempotent: re-running with the same inputs leaves the same rows.
func (s *Store) BatchInsertContext(eventIDs []int64, intent string, tags []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO context_enrichment (event_id, user_intent, generated_tags)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare context insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range eventIDs {
		if _, err := stmt.Exec(id, intent, string(tagsJSON)); err != nil {
			return fmt.Errorf("failed to insert context for event %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// EventContext is a persisted enrichment row.
type EventContext struct {
	EventID           int64
	AccessibilityTree string
	OCRContent        string
	VLMDescription    string
	UserIntent        string
	Wikilinks         []string
	Tags              []string
}

// GetEventContext returns the enrichment row for an event, or nil when none
// exists.
func (s *Store) GetEventContext(eventID int64) (*EventContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT event_id, COALESCE(accessibility_tree_json, ''), COALESCE(ocr_content, ''),
		       COALESCE(vlm_description, ''), COALESCE(user_intent, ''),
		       COALESCE(generated_wikilinks, ''), COALESCE(generated_tags, '')
		FROM context_enrichment WHERE event_id = ?`, eventID)

	var (
		ctx                   EventContext
		wikilinksRaw, tagsRaw string
	)
	err := row.Scan(&ctx.EventID, &ctx.AccessibilityTree, &ctx.OCRContent,
		&ctx.VLMDescription, &ctx.UserIntent, &wikilinksRaw, &tagsRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch context for event %d: %w", eventID, err)
	}
	ctx.Wikilinks = decodeStringList(wikilinksRaw)
	ctx.Tags = decodeStringList(tagsRaw)
	return &ctx, nil
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
