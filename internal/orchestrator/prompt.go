package orchestrator

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/router"
)

// DefaultSystemPrompt is the preamble used when a request brings none. The
// {memory_context} and {document_context} slots take the assembled context.
const DefaultSystemPrompt = `You are Nexus AI, a helpful personal AI assistant. You have access to the user's documents and memories, and you maintain context across conversations.

Key behaviors:
- Be concise but thorough
- Reference relevant documents when answering questions about them
- Remember and use personal context about the user naturally
- Admit when you don't know something
- Ask clarifying questions when the request is ambiguous

{memory_context}

{document_context}`

const (
	noMemoryContext   = "No specific user context available."
	noDocumentContext = "No relevant documents found."

	titleMaxChars = 50

	// UnavailablePlaceholder is stored as the assistant reply of a turn whose
	// engine failed before producing any text.
	UnavailablePlaceholder = "[No response: the model could not be reached.]"
)

// buildSystemPrompt fills the preamble with the assembled context. A custom
// prompt gets the context appended instead.
func buildSystemPrompt(custom, memoryCtx, documentCtx string) string {
	if strings.TrimSpace(custom) != "" {
		var b strings.Builder
		b.WriteString(custom)
		if memoryCtx != "" {
			b.WriteString("\n\nUser Context:\n")
			b.WriteString(memoryCtx)
		}
		if documentCtx != "" {
			b.WriteString("\n")
			b.WriteString(documentCtx)
		}
		return b.String()
	}

	if memoryCtx == "" {
		memoryCtx = noMemoryContext
	}
	if documentCtx == "" {
		documentCtx = noDocumentContext
	}
	return strings.NewReplacer(
		"{memory_context}", memoryCtx,
		"{document_context}", documentCtx,
	).Replace(DefaultSystemPrompt)
}

// promptOverhead is the token cost of the preamble without any context.
func promptOverhead(custom string) int {
	if strings.TrimSpace(custom) != "" {
		// The "User Context:" heading and separators.
		return llm.EstimateTokens(custom) + 8
	}
	return llm.EstimateTokens(buildSystemPrompt("", "", ""))
}

// SessionTitle derives a session title from its first message.
func SessionTitle(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= titleMaxChars {
		return message
	}
	runes := []rune(message)
	return string(runes[:titleMaxChars]) + "..."
}

// DefaultSessionTitle names a session created without a message.
func DefaultSessionTitle(t time.Time) string {
	return "Conversation " + t.Format("2006-01-02 15:04")
}

// inHistory reports whether m is real conversation worth sending back to
// the engine.
func inHistory(m *data.Message) bool {
	if m.Content == "" {
		return false
	}
	return !(m.Incomplete && m.Content == UnavailablePlaceholder)
}

// historyWindow converts stored messages into the engine's format, keeping
// the newest messages whose total estimated cost fits budget.
func historyWindow(history []*data.Message, budget int) []llm.Message {
	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		if !inHistory(history[i]) {
			continue
		}
		cost := llm.EstimateTokens(history[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	out := make([]llm.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		if !inHistory(m) {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func historyTokens(history []*data.Message) int {
	n := 0
	for _, m := range history {
		if inHistory(m) {
			n += llm.EstimateTokens(m.Content)
		}
	}
	return n
}

func classifierHistory(history []*data.Message) []router.HistoryMessage {
	out := make([]router.HistoryMessage, len(history))
	for i, m := range history {
		out[i] = router.HistoryMessage{Role: string(m.Role), Content: m.Content, TaskType: m.TaskType}
	}
	return out
}
