// Package messaging publishes finished-turn summaries to a Redis stream so
// that other local tools can follow conversations without polling SQLite.
package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "nexus:turns"

// TurnSummary is the record published for each finished turn.
type TurnSummary struct {
	TurnID         string    `json:"turn_id"`
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	TaskType       string    `json:"task_type"`
	Model          string    `json:"model"`
	Tier           string    `json:"tier"`
	RoutingReason  string    `json:"routing_reason"`
	ChunkIDs       []string  `json:"chunk_ids"`
	MemoryIDs      []string  `json:"memory_ids"`
	Warnings       []string  `json:"warnings"`
	Error          string    `json:"error,omitempty"`
	TokensStreamed int       `json:"tokens_streamed"`
	DurationMs     int64     `json:"duration_ms"`
	FinishedAt     time.Time `json:"finished_at"`
}

// ToRedisValues flattens s into stream fields. Lists are JSON encoded.
func (s TurnSummary) ToRedisValues() map[string]any {
	return map[string]any{
		"turn_id":         s.TurnID,
		"session_id":      s.SessionID,
		"state":           s.State,
		"task_type":       s.TaskType,
		"model":           s.Model,
		"tier":            s.Tier,
		"routing_reason":  s.RoutingReason,
		"chunk_ids":       jsonList(s.ChunkIDs),
		"memory_ids":      jsonList(s.MemoryIDs),
		"warnings":        jsonList(s.Warnings),
		"error":           s.Error,
		"tokens_streamed": s.TokensStreamed,
		"duration_ms":     s.DurationMs,
		"finished_at":     s.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
}

// TurnSummaryFromValues parses the fields of a stream entry. Redis returns
// every value as a string.
func TurnSummaryFromValues(values map[string]any) (TurnSummary, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}

	s := TurnSummary{
		TurnID:        str("turn_id"),
		SessionID:     str("session_id"),
		State:         str("state"),
		TaskType:      str("task_type"),
		Model:         str("model"),
		Tier:          str("tier"),
		RoutingReason: str("routing_reason"),
		Error:         str("error"),
	}
	if s.TurnID == "" {
		return s, fmt.Errorf("stream entry has no turn_id")
	}

	var err error
	if v := str("tokens_streamed"); v != "" {
		if s.TokensStreamed, err = strconv.Atoi(v); err != nil {
			return s, fmt.Errorf("parse tokens_streamed: %w", err)
		}
	}
	if v := str("duration_ms"); v != "" {
		if s.DurationMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return s, fmt.Errorf("parse duration_ms: %w", err)
		}
	}
	if v := str("finished_at"); v != "" {
		if s.FinishedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return s, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	for key, dst := range map[string]*[]string{"chunk_ids": &s.ChunkIDs, "memory_ids": &s.MemoryIDs, "warnings": &s.Warnings} {
		if v := str(key); v != "" {
			if err := json.Unmarshal([]byte(v), dst); err != nil {
				return s, fmt.Errorf("parse %s: %w", key, err)
			}
		}
	}
	return s, nil
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
