package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a weighted lexical signal.
type Pattern struct {
	Expr   string
	Weight float64
}

// Rule is one step of the classification cascade. A rule matches when the
// summed weight of its matching patterns reaches Threshold.
type Rule struct {
	Category  TaskCategory
	Patterns  []Pattern
	Threshold float64
}

// ClassifierConfig is the immutable rule set for the classifier. It is built
// once at start-up and handed to NewClassifier.
type ClassifierConfig struct {
	// Primary rules run first, in order. First match wins.
	Primary []Rule

	// DocumentContext decides between document_analysis and rag_query when the
	// session has attached documents. Matching yields document_analysis.
	DocumentContext Rule

	// Explicit document references without attached documents.
	Document Rule

	Question Rule

	// FollowUp patterns mark short messages that continue the previous task.
	FollowUp         []Pattern
	FollowUpMaxWords int
}

// DefaultClassifierConfig returns the built-in rule set.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Primary: []Rule{
			{
				Category:  TaskCode,
				Threshold: 0.9,
				Patterns: []Pattern{
					{"```", 1.0},
					{`(?m)^\s*(def|func|fn)\s+\w+\s*\(`, 1.0},
					{`(?m)^\s*(import\s+[\w.]+(\s+as\s+\w+)?\s*$|import\s*[("]|from\s+[\w.]+\s+import\s|#include\s*[<"])`, 1.0},
					{`(?m)^\s*class\s+\w+\s*[:({]`, 1.0},
					{`\bselect\s+(\*|[\w.]+(\s*,\s*[\w.]+)*)\s+from\s+\w+(\s+(where|join|order|group|limit)\b|\s*;|\s*$)`, 1.0},
					{`\b(write|fix|debug|refactor|optimi[sz]e|review)\s+(a|an|this|the|my)?\s*(function|script|program|class|method|query|regex|unit\s+test)s?\b`, 1.0},
					{`\b(python|javascript|typescript|golang|java|rust|c\+\+|c#|sql|html|css|bash|powershell|kotlin|swift)\b`, 0.6},
					{`\b(code|function|debug|compile[rd]?|syntax|script|regex|api|bug|stack\s*trace|exception|segfault|null\s+pointer)\b`, 0.5},
					{`\b(def|func|import|return|const|var|public|private)\s+\w+`, 0.5},
					{`[{};]\s*$`, 0.4},
					{`\w+\([^)]*\)`, 0.3},
				},
			},
			{
				Category:  TaskEmail,
				Threshold: 0.9,
				Patterns: []Pattern{
					{`\be-?mails?\b`, 1.0},
					{`\bsubject\s+line\b`, 1.0},
					{`\bthank[- ]you\s+(note|message)\b`, 1.0},
					{`\b(reply|respond)\s+to\b`, 0.6},
					{`\bdraft\b`, 0.5},
					{`\bdear\s+\w+`, 0.6},
					{`\b(professional|formal)\s+message\b`, 0.6},
				},
			},
			{
				Category:  TaskResume,
				Threshold: 0.9,
				Patterns: []Pattern{
					{`\b(resume|résumé|cv)\b`, 1.0},
					{`\bcover\s+letter\b`, 1.0},
					{`\bjob\s+application\b`, 0.8},
					{`\bwork\s+experience\b`, 0.5},
					{`\b(qualifications|hiring\s+manager|linkedin\s+(profile|summary))\b`, 0.5},
				},
			},
			{
				Category:  TaskCreative,
				Threshold: 0.9,
				Patterns: []Pattern{
					{`\b(story|stories|poem|poetry|haiku|limerick|sonnet|lyrics|fiction|fairy\s*tale|screenplay)\b`, 1.0},
					{`\b(imagine|character|plot|narrative|dialogue|scene)\b`, 0.5},
					{`\bcreative\b`, 0.5},
				},
			},
			{
				Category:  TaskWriting,
				Threshold: 0.9,
				Patterns: []Pattern{
					{`\b(rewrite|rephrase|paraphrase|proofread|edit\s+(this|my))\b`, 1.0},
					{`\b(write|compose|draft)\b`, 0.6},
					{`^\s*(please\s+)?(write|compose|draft)\b`, 0.4},
					{`\b(article|blog(\s+post)?|essay|paragraph|speech|outline|proposal|newsletter)\b`, 0.6},
					{`\b(expand\s+on|elaborate)\b`, 0.5},
				},
			},
			{
				Category:  TaskSummary,
				Threshold: 0.8,
				Patterns: []Pattern{
					{`\b(summari[sz]e|summary|tl;?dr|recap)\b`, 1.0},
					{`\bkey\s+(points|takeaways)\b`, 0.8},
					{`\bmain\s+ideas?\b`, 0.8},
					{`\bin\s+a\s+nutshell\b`, 0.8},
				},
			},
			{
				Category:  TaskRAGQuery,
				Threshold: 0.8,
				Patterns: []Pattern{
					{`\b(my|our)\s+(documents?|files?|notes?|uploads?|pdfs?)\b`, 1.0},
					{`\baccording\s+to\s+(my|the)\s+(documents?|notes?|files?)\b`, 1.0},
					{`\bwhat\s+do\s+i\s+have\s+(on|about)\b`, 1.0},
					{`\bfind\s+in\s+my\b`, 1.0},
					{`\bsearch\s+(my|through)\b`, 0.8},
				},
			},
		},
		DocumentContext: Rule{
			Category:  TaskDocumentAnalysis,
			Threshold: 0.6,
			Patterns: []Pattern{
				{`\b(analy[sz]e|review|understand|interpret|extract|evaluate|assess|explain)\b`, 0.6},
				{`\b(this|the|attached)\s+(contract|document|doc|file|pdf|report|paper|agreement|policy|article|letter)\b`, 1.0},
				{`\bwhat\s+does\s+(it|this|the\s+\w+)\s+say\b`, 1.0},
				{`\b(clause|section|page|paragraph)\s+\d+`, 0.6},
			},
		},
		Document: Rule{
			Category:  TaskDocumentAnalysis,
			Threshold: 1.0,
			Patterns: []Pattern{
				{`\b(this|the|attached)\s+(contract|document|pdf|file|agreement)\b`, 0.8},
				{`\b(analy[sz]e|review|understand|extract)\b`, 0.4},
				{`\bwhat\s+does\s+(the|this)\s+(document|file|pdf|contract)\s+say\b`, 1.0},
			},
		},
		Question: Rule{
			Category:  TaskQuestion,
			Threshold: 0.6,
			Patterns: []Pattern{
				{`\?\s*$`, 0.6},
				{`^(what|who|where|when|why|how|which|can|could|would|should|is|are|do|does|did|will)\b`, 0.6},
				{`\b(explain|tell\s+me|what\s+is|what\s+are|define)\b`, 0.6},
			},
		},
		FollowUp: []Pattern{
			{`^(and|also|now|then|ok(ay)?|another|again|more|shorter|longer|continue|go\s+on)\b`, 1.0},
			{`^(make\s+it|try\s+again|same\s+but|do\s+it|one\s+more)\b`, 1.0},
		},
		FollowUpMaxWords: 8,
	}
}

// Classifier is a deterministic rule-cascade classifier. It never fails:
// anything it cannot place is chat.
type Classifier struct {
	primary         []*compiledRule
	documentContext *compiledRule
	document        *compiledRule
	question        *compiledRule
	followUp        []*compiledPattern
	followUpWords   int
}

type compiledRule struct {
	category  TaskCategory
	threshold float64
	patterns  []*compiledPattern
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// NewClassifier compiles cfg. Patterns are static configuration, so an
// invalid expression panics at start-up.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	c := &Classifier{
		documentContext: compileRule(cfg.DocumentContext),
		document:        compileRule(cfg.Document),
		question:        compileRule(cfg.Question),
		followUp:        compilePatterns(cfg.FollowUp),
		followUpWords:   cfg.FollowUpMaxWords,
	}
	for _, r := range cfg.Primary {
		c.primary = append(c.primary, compileRule(r))
	}
	return c
}

func compileRule(r Rule) *compiledRule {
	return &compiledRule{
		category:  r.Category,
		threshold: r.Threshold,
		patterns:  compilePatterns(r.Patterns),
	}
}

func compilePatterns(ps []Pattern) []*compiledPattern {
	out := make([]*compiledPattern, 0, len(ps))
	for _, p := range ps {
		out = append(out, &compiledPattern{
			regex:  regexp.MustCompile(p.Expr),
			weight: p.Weight,
		})
	}
	return out
}

// score sums the weights of matching patterns.
func (r *compiledRule) score(lower string) (float64, []string) {
	var total float64
	var signals []string
	for _, p := range r.patterns {
		if p.regex.MatchString(lower) {
			total += p.weight
			signals = append(signals, p.regex.String())
		}
	}
	return total, signals
}

func (r *compiledRule) match(lower string) (Classification, bool) {
	if r == nil || len(r.patterns) == 0 {
		return Classification{}, false
	}
	s, signals := r.score(lower)
	if s <= 0 || s < r.threshold {
		return Classification{}, false
	}
	return Classification{
		Category:   r.category,
		Confidence: confidence(s, r.threshold, len(signals)),
		Signals:    signals,
	}, true
}

// confidence grows with how far the score clears the threshold and with the
// number of independent signals.
func confidence(score, threshold float64, matches int) float64 {
	c := 0.6
	if threshold > 0 {
		c += 0.2 * (score - threshold) / threshold
	}
	c += 0.1 * float64(matches-1)
	return min(max(c, 0.5), 1.0)
}

// Classify assigns a task category to message. history is ordered oldest
// first; hasDocumentContext reports whether the session has documents attached.
func (c *Classifier) Classify(message string, history []HistoryMessage, hasDocumentContext bool) Classification {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return Classification{
			Category: TaskChat,
			Reason:   "Empty message, defaulting to general conversation",
			Degraded: true,
		}
	}
	lower := strings.ToLower(trimmed)

	for _, r := range c.primary {
		if cl, ok := r.match(lower); ok {
			cl.Reason = fmt.Sprintf("Detected %s task based on message patterns", cl.Category)
			return cl
		}
	}

	if hasDocumentContext {
		if cl, ok := c.documentContext.match(lower); ok {
			cl.Reason = "Message refers to the documents attached to this conversation"
			return cl
		}
		return Classification{
			Category:   TaskRAGQuery,
			Confidence: 0.6,
			Reason:     "Conversation has attached documents; answering from them",
			Signals:    []string{"session_documents"},
		}
	}

	if cl, ok := c.document.match(lower); ok {
		cl.Reason = "Detected document_analysis task based on message patterns"
		return cl
	}

	if cl, ok := c.question.match(lower); ok {
		cl.Reason = "Detected question based on interrogative form"
		return cl
	}

	if prev, ok := c.followUpOf(lower, history); ok {
		return Classification{
			Category:   prev,
			Confidence: 0.55,
			Reason:     fmt.Sprintf("Follow-up to previous %s request", prev),
			Signals:    []string{"follow_up"},
		}
	}

	return Classification{
		Category:   TaskChat,
		Confidence: 0.4,
		Reason:     "General conversation (no specific task patterns detected)",
	}
}

// followUpOf returns the task of the latest tagged message when lower reads
// like a short continuation of it.
func (c *Classifier) followUpOf(lower string, history []HistoryMessage) (TaskCategory, bool) {
	if len(history) == 0 || len(strings.Fields(lower)) > c.followUpWords {
		return "", false
	}
	matched := false
	for _, p := range c.followUp {
		if p.regex.MatchString(lower) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TaskType == "" {
			continue
		}
		t := ParseTaskCategory(history[i].TaskType)
		if t == TaskChat {
			return "", false
		}
		return t, true
	}
	return "", false
}
