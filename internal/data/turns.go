package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveTurn inserts or replaces a turn record.
func (s *Store) SaveTurn(ctx context.Context, t *TurnRecord) error {
	if t.ID == "" || t.SessionID == "" {
		return fmt.Errorf("turn ID and session ID are required")
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = now()
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{t.ChunkIDs, t.DocumentIDs, t.MemoryIDs, t.Warnings} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshal turn ids: %w", err)
		}
		lists = append(lists, string(b))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (
			id, session_id, user_message_id, assistant_message_id, state,
			task_type, model, tier, routing_reason,
			chunk_ids, document_ids, memory_ids, warnings,
			error, tokens_streamed, prompt_tokens, completion_tokens, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			assistant_message_id = excluded.assistant_message_id,
			state = excluded.state,
			task_type = excluded.task_type,
			model = excluded.model,
			tier = excluded.tier,
			routing_reason = excluded.routing_reason,
			chunk_ids = excluded.chunk_ids,
			document_ids = excluded.document_ids,
			memory_ids = excluded.memory_ids,
			warnings = excluded.warnings,
			error = excluded.error,
			tokens_streamed = excluded.tokens_streamed,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			finished_at = excluded.finished_at`,
		t.ID, t.SessionID, t.UserMessageID, t.AssistantMessageID, t.State,
		t.TaskType, t.Model, t.Tier, t.RoutingReason,
		lists[0], lists[1], lists[2], lists[3],
		t.Error, t.TokensStreamed, t.PromptTokens, t.CompletionTokens, t.StartedAt.UTC(), nullTime(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// GetTurn retrieves a turn record.
func (s *Store) GetTurn(ctx context.Context, id string) (*TurnRecord, error) {
	turns, err := s.queryTurns(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	return turns[0], nil
}

// ListTurns returns a session's turns in start order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*TurnRecord, error) {
	return s.queryTurns(ctx, `WHERE session_id = ? ORDER BY started_at, id`, sessionID)
}

func (s *Store) queryTurns(ctx context.Context, where string, args ...any) ([]*TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_message_id, assistant_message_id, state,
		       task_type, model, tier, routing_reason,
		       chunk_ids, document_ids, memory_ids, warnings,
		       error, tokens_streamed, prompt_tokens, completion_tokens, started_at, finished_at
		FROM turns `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []*TurnRecord{}
	for rows.Next() {
		var t TurnRecord
		var chunks, docs, mems, warnings string
		var finished sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserMessageID, &t.AssistantMessageID, &t.State,
			&t.TaskType, &t.Model, &t.Tier, &t.RoutingReason,
			&chunks, &docs, &mems, &warnings,
			&t.Error, &t.TokensStreamed, &t.PromptTokens, &t.CompletionTokens, &t.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		for _, p := range []struct {
			raw string
			dst *[]string
		}{{chunks, &t.ChunkIDs}, {docs, &t.DocumentIDs}, {mems, &t.MemoryIDs}, {warnings, &t.Warnings}} {
			if err := json.Unmarshal([]byte(p.raw), p.dst); err != nil {
				return nil, fmt.Errorf("turn %s: unmarshal ids: %w", t.ID, err)
			}
		}
		if finished.Valid {
			ft := finished.Time
			t.FinishedAt = &ft
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
