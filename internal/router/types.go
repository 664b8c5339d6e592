// Package router classifies chat messages into task categories and maps
// each category onto an inference profile (model tier).
package router

import "time"

// TaskCategory represents the classification of a user chat message.
type TaskCategory string

const (
	// TaskQuestion is for factual or explanatory questions.
	TaskQuestion TaskCategory = "question"
	// TaskDocumentAnalysis is for analysing a specific document.
	TaskDocumentAnalysis TaskCategory = "document_analysis"
	// TaskRAGQuery is for questions answered from the user's own documents.
	TaskRAGQuery TaskCategory = "rag_query"
	// TaskWriting is for general prose writing and rewriting.
	TaskWriting TaskCategory = "writing"
	// TaskCreative is for stories, poems and other creative work.
	TaskCreative TaskCategory = "creative"
	// TaskEmail is for drafting and replying to email.
	TaskEmail TaskCategory = "email"
	// TaskResume is for resumes, CVs and cover letters.
	TaskResume TaskCategory = "resume"
	// TaskCode is for programming help.
	TaskCode TaskCategory = "code"
	// TaskSummary is for summarisation.
	TaskSummary TaskCategory = "summary"
	// TaskChat is the default for general conversation.
	TaskChat TaskCategory = "chat"
)

// AllTaskCategories returns all valid task categories.
func AllTaskCategories() []TaskCategory {
	return []TaskCategory{
		TaskQuestion,
		TaskDocumentAnalysis,
		TaskRAGQuery,
		TaskWriting,
		TaskCreative,
		TaskEmail,
		TaskResume,
		TaskCode,
		TaskSummary,
		TaskChat,
	}
}

// String returns the string representation of a TaskCategory.
func (t TaskCategory) String() string {
	return string(t)
}

// IsValid checks if a TaskCategory is a known category.
func (t TaskCategory) IsValid() bool {
	for _, valid := range AllTaskCategories() {
		if t == valid {
			return true
		}
	}
	return false
}

// NeedsDocuments reports whether the category implies document retrieval.
func (t TaskCategory) NeedsDocuments() bool {
	switch t {
	case TaskRAGQuery, TaskDocumentAnalysis, TaskSummary:
		return true
	}
	return false
}

// ParseTaskCategory converts a stored tag back into a category.
// Unknown or empty values map to TaskChat.
func ParseTaskCategory(s string) TaskCategory {
	t := TaskCategory(s)
	if t.IsValid() {
		return t
	}
	return TaskChat
}

// Tier is a logical inference tier.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierDocument Tier = "document"
	TierQuality  Tier = "quality"
)

// Complexity is the level of effort a message asks for.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityNormal Complexity = "normal"
	ComplexityHigh   Complexity = "high"
)

// InferenceProfile binds a tier to a concrete backing model.
type InferenceProfile struct {
	Tier          Tier   `json:"tier"`
	Model         string `json:"model"`
	ContextWindow int    `json:"context_window"`
	Latency       string `json:"latency"`
}

// HistoryMessage is the lightweight view of a prior message the classifier needs.
type HistoryMessage struct {
	Role     string
	Content  string
	TaskType string
}

// Classification is the result of classifying one message.
type Classification struct {
	Category   TaskCategory `json:"category"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
	Signals    []string     `json:"signals,omitempty"`

	// Degraded is set when the input could not be classified and the
	// fallback category was used.
	Degraded bool `json:"degraded,omitempty"`
}

// Decision is the result of routing a classified message.
type Decision struct {
	Task    TaskCategory     `json:"task"`
	Profile InferenceProfile `json:"profile"`
	Reason  string           `json:"reason"`

	// ContextTruncated is set when no tier's window fits the estimate.
	ContextTruncated bool `json:"context_truncated,omitempty"`
	// Escalated is set when a larger tier than the table default was chosen.
	Escalated bool `json:"escalated,omitempty"`
	// Override is set when the model came from the request or a learned preference.
	Override bool `json:"override,omitempty"`

	AutoModel  string     `json:"auto_model,omitempty"`
	Complexity Complexity `json:"complexity,omitempty"`
}

// OverrideRecord is a logged user model override.
type OverrideRecord struct {
	TaskType      TaskCategory
	AutoModel     string
	OverrideModel string
	CreatedAt     time.Time
}
