package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/metrics"
)

// RoutingConfig is the immutable routing table.
type RoutingConfig struct {
	Profiles  []InferenceProfile
	TaskTiers map[TaskCategory]Tier

	// HighComplexity and LowComplexity are lexical effort indicators.
	HighComplexity []Pattern
	LowComplexity  []Pattern

	// QualityOnHigh lists the tasks moved to the quality tier when a message
	// asks for a detailed or polished result.
	QualityOnHigh map[TaskCategory]bool

	PreferenceMinOverrides int
	PreferenceMinAgreement int
}

// DefaultTaskTiers is the static task → tier table.
func DefaultTaskTiers() map[TaskCategory]Tier {
	return map[TaskCategory]Tier{
		TaskChat:             TierFast,
		TaskQuestion:         TierFast,
		TaskWriting:          TierBalanced,
		TaskEmail:            TierBalanced,
		TaskCreative:         TierBalanced,
		TaskCode:             TierBalanced,
		TaskResume:           TierBalanced,
		TaskRAGQuery:         TierDocument,
		TaskDocumentAnalysis: TierDocument,
		TaskSummary:          TierDocument,
	}
}

// NewRoutingConfig builds the routing table from configured tiers.
func NewRoutingConfig(rc config.RoutingConfig) RoutingConfig {
	profiles := make([]InferenceProfile, 0, len(rc.Tiers))
	for name, t := range rc.Tiers {
		profiles = append(profiles, InferenceProfile{
			Tier:          Tier(name),
			Model:         t.Model,
			ContextWindow: t.ContextWindow,
			Latency:       t.Latency,
		})
	}
	return RoutingConfig{
		Profiles:  profiles,
		TaskTiers: DefaultTaskTiers(),
		HighComplexity: []Pattern{
			{`\b(detailed|comprehensive|in-depth|thorough|complete|long-form|professional|polished)\b`, 1},
		},
		LowComplexity: []Pattern{
			{`\b(quick|brief|simple|short|just|only|basic)\b`, 1},
		},
		QualityOnHigh: map[TaskCategory]bool{
			TaskWriting:  true,
			TaskCreative: true,
			TaskEmail:    true,
			TaskResume:   true,
			TaskCode:     true,
		},
		PreferenceMinOverrides: rc.PreferenceMinOverrides,
		PreferenceMinAgreement: rc.PreferenceMinAgreement,
	}
}

// RouterStats tracks routing statistics.
type RouterStats struct {
	TotalRouted int64          `json:"total_routed"`
	ByTier      map[Tier]int64 `json:"by_tier"`
	Escalations int64          `json:"escalations"`
	Truncations int64          `json:"truncations"`
	Overrides   int64          `json:"overrides"`
}

// ModelRouter maps task categories onto inference profiles.
type ModelRouter struct {
	ordered   []InferenceProfile // ascending context window
	byTier    map[Tier]InferenceProfile
	taskTiers map[TaskCategory]Tier
	high      []*compiledPattern
	low       []*compiledPattern
	qualityOn map[TaskCategory]bool
	minOver   int
	minAgree  int

	mu          sync.RWMutex
	preferences map[TaskCategory]string
	stats       RouterStats
}

// NewModelRouter creates a router from an immutable routing table.
func NewModelRouter(cfg RoutingConfig) *ModelRouter {
	ordered := append([]InferenceProfile(nil), cfg.Profiles...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ContextWindow == ordered[j].ContextWindow {
			return ordered[i].Tier < ordered[j].Tier
		}
		return ordered[i].ContextWindow < ordered[j].ContextWindow
	})

	r := &ModelRouter{
		ordered:     ordered,
		byTier:      make(map[Tier]InferenceProfile, len(ordered)),
		taskTiers:   cfg.TaskTiers,
		high:        compilePatterns(cfg.HighComplexity),
		low:         compilePatterns(cfg.LowComplexity),
		qualityOn:   cfg.QualityOnHigh,
		minOver:     cfg.PreferenceMinOverrides,
		minAgree:    cfg.PreferenceMinAgreement,
		preferences: make(map[TaskCategory]string),
		stats:       RouterStats{ByTier: make(map[Tier]int64)},
	}
	if r.taskTiers == nil {
		r.taskTiers = DefaultTaskTiers()
	}
	if r.minOver <= 0 {
		r.minOver = 3
	}
	if r.minAgree <= 0 {
		r.minAgree = 2
	}
	for _, p := range ordered {
		r.byTier[p.Tier] = p
	}
	return r
}

// Profiles returns the configured profiles, smallest window first.
func (r *ModelRouter) Profiles() []InferenceProfile {
	return append([]InferenceProfile(nil), r.ordered...)
}

// ProfileForModel finds the configured profile backed by model.
func (r *ModelRouter) ProfileForModel(model string) (InferenceProfile, bool) {
	for _, p := range r.ordered {
		if p.Model == model {
			return p, true
		}
	}
	return InferenceProfile{}, false
}

// Route maps a task and a context size estimate onto a profile using the
// static table and window escalation only. It never fails: unknown tasks
// are routed as chat.
func (r *ModelRouter) Route(task TaskCategory, estimatedContextTokens int) Decision {
	if !task.IsValid() {
		task = TaskChat
	}
	base := r.tierProfile(r.taskTiers[task])
	d := Decision{
		Task:      task,
		Reason:    fmt.Sprintf("Detected %s task; %s", task, explainProfile(base)),
		AutoModel: base.Model,
	}
	r.fit(&d, base, estimatedContextTokens)
	r.record(d)
	return d
}

// RouteMessage routes like Route but also considers the effort the message
// asks for and any learned per-task model preference.
func (r *ModelRouter) RouteMessage(task TaskCategory, message string, estimatedContextTokens int) Decision {
	if !task.IsValid() {
		task = TaskChat
	}
	complexity := r.assessComplexity(strings.ToLower(message))

	tier := r.taskTiers[task]
	base := r.tierProfile(tier)
	reason := fmt.Sprintf("Detected %s task; %s", task, explainProfile(base))
	if complexity == ComplexityHigh && r.qualityOn[task] && tier != TierQuality {
		base = r.tierProfile(TierQuality)
		reason = fmt.Sprintf("Detected %s task; high complexity requested, %s", task, explainProfile(base))
	}

	d := Decision{Task: task, Complexity: complexity, AutoModel: base.Model}

	if model, ok := r.Preference(task); ok && model != base.Model {
		pref := r.profileFor(model, base)
		if estimatedContextTokens <= pref.ContextWindow {
			d.Profile = pref
			d.Override = true
			d.Reason = fmt.Sprintf("Detected %s task; using %s, learned from your previous model choices", task, model)
			r.record(d)
			return d
		}
	}

	d.Reason = reason
	r.fit(&d, base, estimatedContextTokens)
	r.record(d)
	return d
}

// WithOverride replaces the model of d with one the user explicitly asked for.
func (r *ModelRouter) WithOverride(d Decision, model string, estimatedContextTokens int) Decision {
	if model == "" || model == d.Profile.Model {
		return d
	}
	auto := d.Profile.Model
	d.Profile = r.profileFor(model, d.Profile)
	d.AutoModel = auto
	d.Override = true
	d.Escalated = false
	d.ContextTruncated = estimatedContextTokens > d.Profile.ContextWindow
	d.Reason = fmt.Sprintf("User selected %s (auto-suggested: %s)", model, auto)

	r.mu.Lock()
	r.stats.Overrides++
	r.mu.Unlock()
	return d
}

// LearnPreference recomputes the preferred model for task from its most
// recent overrides (newest first). A preference is set once at least
// PreferenceMinOverrides overrides exist and PreferenceMinAgreement of them
// chose the same model.
func (r *ModelRouter) LearnPreference(task TaskCategory, recent []OverrideRecord) (string, bool) {
	if len(recent) < r.minOver {
		return "", false
	}

	counts := make(map[string]int)
	var best string
	for _, rec := range recent {
		counts[rec.OverrideModel]++
		c := counts[rec.OverrideModel]
		// Ties go to the model seen first, i.e. the most recent.
		if c > counts[best] || best == "" {
			best = rec.OverrideModel
		}
	}
	if counts[best] < r.minAgree {
		return "", false
	}

	r.mu.Lock()
	r.preferences[task] = best
	r.mu.Unlock()
	return best, true
}

// Preference returns the learned model for task, if any.
func (r *ModelRouter) Preference(task TaskCategory) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.preferences[task]
	return m, ok
}

// Stats returns a copy of the current routing statistics.
func (r *ModelRouter) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.ByTier = make(map[Tier]int64, len(r.stats.ByTier))
	for k, v := range r.stats.ByTier {
		s.ByTier[k] = v
	}
	return s
}

// fit escalates d to the next tier whose window holds the estimate, or to the
// largest window with ContextTruncated set.
func (r *ModelRouter) fit(d *Decision, base InferenceProfile, estimate int) {
	d.Profile = base
	if estimate <= base.ContextWindow || len(r.ordered) == 0 {
		return
	}

	for _, p := range r.ordered {
		if p.ContextWindow > base.ContextWindow && estimate <= p.ContextWindow {
			d.Profile = p
			d.Escalated = true
			d.Reason += fmt.Sprintf("; escalated from %s because ~%d context tokens exceed its %d-token window",
				base.Model, estimate, base.ContextWindow)
			return
		}
	}

	largest := r.ordered[len(r.ordered)-1]
	if largest.ContextWindow > base.ContextWindow {
		d.Profile = largest
		d.Escalated = true
	}
	d.ContextTruncated = true
	d.Reason += fmt.Sprintf("; no tier fits ~%d tokens, using %s (%d-token window) and truncating context",
		estimate, d.Profile.Model, d.Profile.ContextWindow)
}

func (r *ModelRouter) record(d Decision) {
	r.mu.Lock()
	r.stats.TotalRouted++
	r.stats.ByTier[d.Profile.Tier]++
	if d.Escalated {
		r.stats.Escalations++
	}
	if d.ContextTruncated {
		r.stats.Truncations++
	}
	r.mu.Unlock()

	metrics.RoutingDecisions.WithLabelValues(string(d.Profile.Tier), string(d.Task)).Inc()
}

// tierProfile returns the profile for tier, falling back to the smallest one.
func (r *ModelRouter) tierProfile(tier Tier) InferenceProfile {
	if p, ok := r.byTier[tier]; ok {
		return p
	}
	if len(r.ordered) > 0 {
		return r.ordered[0]
	}
	return InferenceProfile{Tier: tier}
}

// profileFor returns the configured profile for model, or a synthetic one that
// borrows the fallback's tier and window.
func (r *ModelRouter) profileFor(model string, fallback InferenceProfile) InferenceProfile {
	if p, ok := r.ProfileForModel(model); ok {
		return p
	}
	p := fallback
	p.Model = model
	return p
}

func (r *ModelRouter) assessComplexity(lower string) Complexity {
	high, low := 0, 0
	for _, p := range r.high {
		high += len(p.regex.FindAllStringIndex(lower, -1))
	}
	for _, p := range r.low {
		low += len(p.regex.FindAllStringIndex(lower, -1))
	}
	switch {
	case high > low:
		return ComplexityHigh
	case low > high:
		return ComplexityLow
	default:
		return ComplexityNormal
	}
}

func explainProfile(p InferenceProfile) string {
	switch p.Tier {
	case TierFast:
		return fmt.Sprintf("using %s for quick, responsive answers", p.Model)
	case TierBalanced:
		return fmt.Sprintf("using %s for balanced speed and quality", p.Model)
	case TierDocument:
		return fmt.Sprintf("using %s for thorough document analysis", p.Model)
	case TierQuality:
		return fmt.Sprintf("using %s for high-quality, detailed output", p.Model)
	default:
		return fmt.Sprintf("using %s", p.Model)
	}
}
