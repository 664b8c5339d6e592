package data

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// DocumentIDs are the documents attached to the session. A non-empty
	// list is the session's active document context.
	DocumentIDs []string `json:"document_ids"`

	// MessageCount is filled by GetSession and ListSessions.
	MessageCount int `json:"message_count"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	IncludeArchived bool
	Limit           int
}

// Message is one persisted chat message. Content never changes after insert.
type Message struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	TaskType   string    `json:"task_type,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryCategory classifies a long-term memory.
type MemoryCategory string

const (
	CategoryPersonal     MemoryCategory = "personal"
	CategoryProfessional MemoryCategory = "professional"
	CategoryPreference   MemoryCategory = "preference"
	CategoryLocation     MemoryCategory = "location"
	CategoryEvent        MemoryCategory = "event"
	CategoryGeneral      MemoryCategory = "general"
)

// AllMemoryCategories returns every valid category.
func AllMemoryCategories() []MemoryCategory {
	return []MemoryCategory{
		CategoryPersonal,
		CategoryProfessional,
		CategoryPreference,
		CategoryLocation,
		CategoryEvent,
		CategoryGeneral,
	}
}

// IsValid reports whether c is a known category.
func (c MemoryCategory) IsValid() bool {
	for _, v := range AllMemoryCategories() {
		if c == v {
			return true
		}
	}
	return false
}

// Memory is a persisted fact or preference about the user.
type Memory struct {
	ID              string         `json:"id" yaml:"id"`
	Content         string         `json:"content" yaml:"content"`
	Category        MemoryCategory `json:"category" yaml:"category"`
	Confidence      float64        `json:"confidence" yaml:"confidence"`
	DedupKey        string         `json:"-" yaml:"-"`
	SourceSessionID string         `json:"source_session_id,omitempty" yaml:"source_session_id,omitempty"`
	SourceMessageID string         `json:"source_message_id,omitempty" yaml:"source_message_id,omitempty"`
	AccessCount     int            `json:"access_count" yaml:"access_count"`
	Embedding       []float32      `json:"-" yaml:"-"`
	Deleted         bool           `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" yaml:"updated_at"`
}

// MemoryFilter narrows ListMemories. Zero values mean "no constraint".
type MemoryFilter struct {
	Category       MemoryCategory
	Query          string // substring match on content
	MinConfidence  float64
	Limit          int
	WithEmbeddings bool
	IncludeDeleted bool
}

// Document is an ingested plain-text source.
type Document struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ContentHash string     `json:"content_hash"`
	ChunkCount  int        `json:"chunk_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Deleted     bool       `json:"deleted,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Chunk is a span of a document with its embedding.
type Chunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	DocumentTitle  string    `json:"document_title,omitempty"`
	Index          int       `json:"index"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChunkFilter narrows ScanChunks. Chunks of deleted or expired documents
// are always excluded.
type ChunkFilter struct {
	DocumentIDs []string
	Now         time.Time
}

// TurnRecord is the persisted metadata of one chat turn.
type TurnRecord struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	UserMessageID      string     `json:"user_message_id"`
	AssistantMessageID string     `json:"assistant_message_id,omitempty"`
	State              string     `json:"state"`
	TaskType           string     `json:"task_type"`
	Model              string     `json:"model"`
	Tier               string     `json:"tier"`
	RoutingReason      string     `json:"routing_reason"`
	ChunkIDs           []string   `json:"chunk_ids"`
	DocumentIDs        []string   `json:"document_ids"`
	MemoryIDs          []string   `json:"memory_ids"`
	Warnings           []string   `json:"warnings"`
	Error              string     `json:"error,omitempty"`
	TokensStreamed     int        `json:"tokens_streamed"`
	PromptTokens       int        `json:"prompt_tokens"`
	CompletionTokens   int        `json:"completion_tokens"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// ModelOverride is one logged user override of the routed model.
type ModelOverride struct {
	TaskType      string    `json:"task_type"`
	AutoModel     string    `json:"auto_model"`
	OverrideModel string    `json:"override_model"`
	CreatedAt     time.Time `json:"created_at"`
}
