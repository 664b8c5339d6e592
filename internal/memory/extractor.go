// Package memory extracts long-term facts about the user from completed chat
// exchanges and recalls them into later turns.
package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/metrics"
)

const (
	// DirectConfidence is given to explicit first-person statements.
	DirectConfidence = 0.9
	// InferredConfidence is given to facts implied by another statement.
	InferredConfidence = 0.6
	// HedgePenalty is subtracted when the statement is hedged.
	HedgePenalty = 0.2

	maxCaptureWords = 8
)

// Store is the persistence the memory package needs.
type Store interface {
	UpsertMemory(ctx context.Context, m *data.Memory) (bool, error)
	FindSimilarMemory(ctx context.Context, category data.MemoryCategory, dedupKey string) (*data.Memory, error)
	ReinforceMemory(ctx context.Context, id string, confidence float64) error
	ListMemories(ctx context.Context, filter data.MemoryFilter) ([]*data.Memory, error)
	SetMemoryEmbedding(ctx context.Context, id string, embedding []float32) error
	TouchMemories(ctx context.Context, ids []string) error
}

// Exchange is one completed user/assistant turn.
type Exchange struct {
	SessionID        string
	UserMessageID    string
	UserMessage      string
	AssistantMessage string
}

// Candidate is a fact found in an exchange, not yet persisted.
type Candidate struct {
	Content    string              `json:"content"`
	Category   data.MemoryCategory `json:"category"`
	Confidence float64             `json:"confidence"`
	DedupKey   string              `json:"dedup_key"`
	Rule       string              `json:"rule"`
}

// Result summarizes what Process stored.
type Result struct {
	Candidates int      `json:"candidates"`
	Inserted   int      `json:"inserted"`
	Reinforced int      `json:"reinforced"`
	MemoryIDs  []string `json:"memory_ids"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXTRACTION RULES
// ═══════════════════════════════════════════════════════════════════════════════

type rule struct {
	name     string
	category data.MemoryCategory
	pattern  *regexp.Regexp
	inferred bool
	format   string // fmt verb per capture group after cleaning
	cut      []string
	article  bool // prefix the first capture with a/an
}

// Phrases that end a captured value.
var (
	clauseCut     = []string{",", " but ", " because ", " since ", " so ", " which ", " who ", " when ", " although ", " though ", " if "}
	occupationCut = append([]string{" in ", " at ", " for ", " and ", " near ", " with "}, clauseCut...)
	placeCut      = append([]string{" and ", " with ", " for ", " at ", " now", " currently"}, clauseCut...)
)

const namePattern = `([A-Z][a-zA-Z'\-]+)`
const placePattern = `([A-Z][a-zA-Z'\-]*(?: [A-Z][a-zA-Z'\-]*)*)`

var rules = []rule{
	// Personal
	{name: "name", category: data.CategoryPersonal, format: "User's name is %s",
		pattern: regexp.MustCompile(`(?i:\bmy name is |\bcall me |\bi go by )` + namePattern)},
	{name: "age", category: data.CategoryPersonal, format: "User is %s years old",
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) (\d{1,3}) (?:years?|yrs?) old\b`)},
	{name: "family", category: data.CategoryPersonal, format: "User's %s is named %s",
		pattern: regexp.MustCompile(`(?i:\bmy (wife|husband|partner|son|daughter|brother|sister|mother|mom|father|dad|dog|cat)(?:['’]s name is| is named| is called) )` + namePattern)},
	{name: "household", category: data.CategoryPersonal, format: "User has %s %s",
		pattern: regexp.MustCompile(`(?i)\bi have (an?|one|two|three|four|five|\d+) (kids?|children|sons?|daughters?|dogs?|cats?)\b`)},

	// Professional
	{name: "occupation", category: data.CategoryProfessional, format: "User works as %s", article: true, cut: occupationCut,
		pattern: regexp.MustCompile(`(?i)\bi work as (?:an? )?([a-z][a-z \-]+)`)},
	{name: "occupation_title", category: data.CategoryProfessional, format: "User works as %s", article: true, cut: occupationCut,
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) an? ([a-z][a-z\-]+(?: [a-z][a-z\-]+)?) (?:at|for|by profession)\b`)},
	{name: "employer", category: data.CategoryProfessional, format: "User works at %s", cut: placeCut,
		pattern: regexp.MustCompile(`(?i)\bi work (?:at|for) ([A-Za-z0-9][\w&' \-]*)`)},
	{name: "field", category: data.CategoryProfessional, format: "User works in %s", cut: occupationCut,
		pattern: regexp.MustCompile(`(?i:\bi work in )([a-z][a-z \-]*)`)},

	// Location
	{name: "residence", category: data.CategoryLocation, format: "User lives in %s", cut: placeCut,
		pattern: regexp.MustCompile(`(?i)\bi (?:live|reside) in ([A-Za-z][\w' \-]*)`)},
	{name: "based", category: data.CategoryLocation, format: "User lives in %s", cut: placeCut,
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) (?:based|located) in ([A-Za-z][\w' \-]*)`)},
	{name: "moved", category: data.CategoryLocation, format: "User lives in %s", cut: placeCut,
		pattern: regexp.MustCompile(`(?i)\bi (?:just |recently )?moved to ([A-Za-z][\w' \-]*)`)},
	{name: "origin", category: data.CategoryLocation, format: "User is from %s", cut: placeCut,
		pattern: regexp.MustCompile(`(?i:\bi(?:['’]m| am) (?:originally )?from )` + placePattern)},
	{name: "workplace_location", category: data.CategoryLocation, format: "User lives in or near %s", inferred: true, cut: placeCut,
		pattern: regexp.MustCompile(`(?i:\bi work\b[^,;]*?\b(?:in|near) )` + placePattern)},
	{name: "occupation_location", category: data.CategoryLocation, format: "User lives in or near %s", inferred: true, cut: placeCut,
		pattern: regexp.MustCompile(`(?i:\bi(?:['’]m| am) an? [a-z][a-z \-]*? in )` + placePattern)},

	// Preferences
	{name: "likes", category: data.CategoryPreference, format: "User likes %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi (?:really |absolutely |truly )?(?:like|love|enjoy|adore) (.+)`)},
	{name: "prefers", category: data.CategoryPreference, format: "User prefers %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi (?:usually |generally |always )?prefer (.+)`)},
	{name: "dislikes", category: data.CategoryPreference, format: "User dislikes %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi (?:really )?(?:don['’]t like|do not like|dislike|hate|can['’]t stand|cannot stand) (.+)`)},
	{name: "favorite", category: data.CategoryPreference, format: "User's favorite %s is %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bmy (?:all[- ]time )?favou?rite ([a-z][a-z ]*?) (?:is|are) (.+)`)},

	// Events
	{name: "birthday", category: data.CategoryEvent, format: "User's birthday is %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bmy birthday is (?:on )?(.+)`)},
	{name: "life_event", category: data.CategoryEvent, format: "User is %s", cut: append([]string{" and "}, clauseCut...),
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) ((?:getting married|moving to [A-Za-z][\w ]*|graduating|retiring|having a baby|expecting a baby|starting a new job)(?: (?:on|in|next|this) [\w ]+)?)`)},

	// General
	{name: "interest", category: data.CategoryGeneral, format: "User is interested in %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) (?:really |very )?(?:interested in|curious about|passionate about) (.+)`)},
	{name: "learning", category: data.CategoryGeneral, format: "User is learning %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) (?:currently )?learning (.+)`)},
	{name: "project", category: data.CategoryGeneral, format: "User is working on %s", cut: clauseCut,
		pattern: regexp.MustCompile(`(?i)\bi(?:['’]m| am) (?:currently )?working on (.+)`)},
}

var (
	clauseSplit = regexp.MustCompile(`[^.!?;\n]+[.!?;]?`)
	hedges      = regexp.MustCompile(`(?i)\b(?:i think|i guess|i believe|i suppose|maybe|probably|perhaps|might|not sure|kind of|sort of)\b`)
	notAFact    = regexp.MustCompile(`(?i)^\s*(?:do|does|did|should|can|could|would|will|if|what|how|why|where|when|who|is|are|unless)\b`)
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXTRACTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Extractor turns exchanges into persisted memories.
type Extractor struct {
	store    Store
	embedder llm.Embedder
	log      zerolog.Logger
}

// NewExtractor creates an extractor. embedder may be nil, in which case new
// memories are stored without embeddings.
func NewExtractor(store Store, embedder llm.Embedder) *Extractor {
	return &Extractor{
		store:    store,
		embedder: embedder,
		log:      logging.Component("memory"),
	}
}

// Extract finds candidate facts in the user's side of an exchange. It is
// pure and deterministic. Candidates sharing a category and dedup key are
// merged, keeping the highest confidence.
func Extract(ex Exchange) []Candidate {
	var out []Candidate
	index := map[string]int{}

	for _, clause := range clauseSplit.FindAllString(ex.UserMessage, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" || strings.HasSuffix(clause, "?") || notAFact.MatchString(clause) {
			continue
		}
		clause = strings.TrimRight(clause, ".!;")
		hedged := hedges.MatchString(clause)

		for _, r := range rules {
			for _, m := range r.pattern.FindAllStringSubmatch(clause, -1) {
				c, ok := r.candidate(m)
				if !ok {
					continue
				}
				if hedged {
					c.Confidence -= HedgePenalty
				}
				id := string(c.Category) + "\x00" + c.DedupKey
				if i, seen := index[id]; seen {
					if c.Confidence > out[i].Confidence {
						out[i].Confidence = c.Confidence
					}
					continue
				}
				index[id] = len(out)
				out = append(out, c)
			}
		}
	}
	return out
}

func (r rule) candidate(m []string) (Candidate, bool) {
	captures := make([]string, 0, len(m)-1)
	for i, v := range m[1:] {
		// Only the last capture runs to the end of the clause.
		if i == len(m)-2 {
			v = cutAt(v, r.cut)
		}
		v = strings.Trim(strings.TrimSpace(v), `"'.,!;:`)
		if v == "" || len(strings.Fields(v)) > maxCaptureWords {
			return Candidate{}, false
		}
		if i == 0 && r.article {
			v = withArticle(strings.ToLower(v))
		}
		captures = append(captures, v)
	}

	// A capture made only of stopwords ("I like it") carries no fact.
	if len(keyTokens(strings.Join(captures, " "))) == 0 {
		return Candidate{}, false
	}

	values := make([]any, len(captures))
	for i, v := range captures {
		values[i] = v
	}

	content := fmt.Sprintf(r.format, values...)
	conf := DirectConfidence
	if r.inferred {
		conf = InferredConfidence
	}
	return Candidate{
		Content:    content,
		Category:   r.category,
		Confidence: conf,
		DedupKey:   Normalize(content),
		Rule:       r.name,
	}, true
}

func cutAt(s string, cut []string) string {
	lower := strings.ToLower(s)
	end := len(s)
	for _, c := range cut {
		if i := strings.Index(lower, c); i >= 0 && i < end {
			end = i
		}
	}
	return s[:end]
}

func withArticle(noun string) string {
	if noun == "" {
		return noun
	}
	if strings.ContainsRune("aeiou", rune(noun[0])) {
		return "an " + noun
	}
	return "a " + noun
}

// Process extracts candidates from ex and persists them. An existing memory
// with the same category and the same or a near-identical dedup key is
// reinforced instead of duplicated, so running Process twice on one
// exchange stores nothing new.
func (e *Extractor) Process(ctx context.Context, ex Exchange) (Result, error) {
	candidates := Extract(ex)
	res := Result{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}

	byCategory := map[data.MemoryCategory][]*data.Memory{}
	for _, c := range candidates {
		id, inserted, err := e.persist(ctx, ex, c, byCategory)
		if err != nil {
			return res, fmt.Errorf("persist %s memory: %w", c.Category, err)
		}
		res.MemoryIDs = append(res.MemoryIDs, id)
		if inserted {
			res.Inserted++
			metrics.MemoryOperations.WithLabelValues("insert").Inc()
		} else {
			res.Reinforced++
			metrics.MemoryOperations.WithLabelValues("reinforce").Inc()
		}
	}

	e.log.Debug().
		Str("session_id", ex.SessionID).
		Int("candidates", res.Candidates).
		Int("inserted", res.Inserted).
		Int("reinforced", res.Reinforced).
		Msg("memory extraction complete")
	return res, nil
}

func (e *Extractor) persist(ctx context.Context, ex Exchange, c Candidate, byCategory map[data.MemoryCategory][]*data.Memory) (string, bool, error) {
	existing, err := e.store.FindSimilarMemory(ctx, c.Category, c.DedupKey)
	if err == nil {
		return existing.ID, false, e.store.ReinforceMemory(ctx, existing.ID, c.Confidence)
	}
	if !data.IsNotFound(err) {
		return "", false, err
	}

	peers, ok := byCategory[c.Category]
	if !ok {
		if peers, err = e.store.ListMemories(ctx, data.MemoryFilter{Category: c.Category}); err != nil {
			return "", false, err
		}
		byCategory[c.Category] = peers
	}
	for _, p := range peers {
		if IsNearDuplicate(c.DedupKey, p.DedupKey) {
			return p.ID, false, e.store.ReinforceMemory(ctx, p.ID, c.Confidence)
		}
	}

	m := &data.Memory{
		Content:         c.Content,
		Category:        c.Category,
		Confidence:      c.Confidence,
		DedupKey:        c.DedupKey,
		SourceSessionID: ex.SessionID,
		SourceMessageID: ex.UserMessageID,
	}
	inserted, err := e.store.UpsertMemory(ctx, m)
	if err != nil {
		return "", false, err
	}
	if inserted {
		byCategory[c.Category] = append(byCategory[c.Category], m)
		e.embed(ctx, m)
	}
	return m.ID, inserted, nil
}

// embed stores the memory's embedding. Failures only cost semantic recall.
func (e *Extractor) embed(ctx context.Context, m *data.Memory) {
	if e.embedder == nil {
		return
	}
	vec, err := e.embedder.Embed(ctx, m.Content)
	if err == nil {
		err = e.store.SetMemoryEmbedding(ctx, m.ID, vec)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("memory_id", m.ID).Msg("memory embedding skipped")
	}
}

// ErrEmptyMemory is returned by Remember for content with no key words.
var ErrEmptyMemory = errors.New("memory content is empty")

// Remember stores an explicitly provided fact, deduplicated the same way as
// extracted ones. It returns the stored memory's ID and whether it is new.
func (e *Extractor) Remember(ctx context.Context, content string, category data.MemoryCategory, confidence float64) (string, bool, error) {
	content = strings.TrimSpace(content)
	key := Normalize(content)
	if key == "" {
		return "", false, ErrEmptyMemory
	}
	if category == "" {
		category = data.CategoryGeneral
	}
	if !category.IsValid() {
		return "", false, fmt.Errorf("invalid memory category %q", category)
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	c := Candidate{Content: content, Category: category, Confidence: confidence, DedupKey: key, Rule: "manual"}
	id, inserted, err := e.persist(ctx, Exchange{}, c, map[data.MemoryCategory][]*data.Memory{})
	if err != nil {
		return "", false, fmt.Errorf("remember: %w", err)
	}
	op := "reinforce"
	if inserted {
		op = "insert"
	}
	metrics.MemoryOperations.WithLabelValues(op).Inc()
	return id, inserted, nil
}
