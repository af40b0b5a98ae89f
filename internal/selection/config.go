// Package selection decides which upstream model serves a request. It
// scores request complexity from text features and maps task types to
// model identifiers, favoring the cheaper model whenever possible.
package selection

import (
	"strings"
	"sync"
)

// TaskType tags a request with the kind of work being asked for.
type TaskType string

const (
	TaskWebsiteAnalysis TaskType = "website_analysis"
	TaskExportReadiness TaskType = "export_readiness"
	TaskRegulatory      TaskType = "regulatory_analysis"
	TaskMarketResearch  TaskType = "market_research"
	TaskProductAnalysis TaskType = "product_analysis"
	TaskConversation    TaskType = "conversation"
	TaskClarification   TaskType = "clarification"
	TaskSummary         TaskType = "summary"
	TaskGeneral         TaskType = "general"
)

// Complexity is the classifier's verdict on a request.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityMedium
	ComplexityHigh
)

// String returns the complexity name.
func (c Complexity) String() string {
	switch c {
	case ComplexityLow:
		return "low"
	case ComplexityMedium:
		return "medium"
	case ComplexityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// LengthThresholds are the query-length score boundaries in characters.
type LengthThresholds struct {
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

// TermThresholds are the domain-term occurrence score boundaries.
type TermThresholds struct {
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

// ModelMapping names the model per complexity tier.
type ModelMapping struct {
	High   string `yaml:"high"`
	Medium string `yaml:"medium"`
	Low    string `yaml:"low"`
}

// Config is the process-wide model-selection configuration. It is read
// by the classifier and selector and replaced wholesale through Update;
// last writer wins, there is no per-field locking.
type Config struct {
	mu sync.RWMutex

	queryLength   LengthThresholds
	industryTerms TermThresholds
	crossRefsHigh int
	models        ModelMapping
	highTierTasks map[TaskType]struct{}
	pinned        map[TaskType]Complexity
	overrides     map[TaskType]string
	industryVocab []string
	crossRefVocab []string
}

// Default thresholds and vocabularies, tuned for export-trade queries.
func defaultIndustryVocab() []string {
	return []string{
		"tariff", "customs", "hs code", "incoterms", "duty", "quota",
		"certificate of origin", "letter of credit", "freight",
		"compliance", "sanctions", "export control", "phytosanitary",
		"trade agreement", "free trade", "import license",
	}
}

func defaultCrossRefVocab() []string {
	return []string{
		"compare", "versus", "vs.", "difference between", "relative to",
		"across markets", "trade-off", "tradeoff",
	}
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		queryLength:   LengthThresholds{Medium: 200, High: 1000},
		industryTerms: TermThresholds{Medium: 3, High: 8},
		crossRefsHigh: 2,
		models: ModelMapping{
			High:   "gpt-4",
			Medium: "gpt-3.5-turbo",
			Low:    "gpt-3.5-turbo",
		},
		highTierTasks: map[TaskType]struct{}{
			TaskWebsiteAnalysis: {},
			TaskExportReadiness: {},
			TaskRegulatory:      {},
		},
		pinned: map[TaskType]Complexity{
			TaskWebsiteAnalysis: ComplexityHigh,
			TaskExportReadiness: ComplexityHigh,
			TaskClarification:   ComplexityLow,
			TaskSummary:         ComplexityLow,
		},
		overrides:     map[TaskType]string{},
		industryVocab: defaultIndustryVocab(),
		crossRefVocab: defaultCrossRefVocab(),
	}
}

// Partial carries the fields of an Update. Nil fields keep their current
// value; set fields replace it entirely (shallow merge).
type Partial struct {
	QueryLength        *LengthThresholds
	IndustryTermCounts *TermThresholds
	CrossRefThreshold  *int
	Models             *ModelMapping
	HighTierTasks      []TaskType
	Pinned             map[TaskType]Complexity
	Overrides          map[TaskType]string
	IndustryVocab      []string
	CrossRefVocab      []string
}

// Update merges p into the config. Concurrent updates race benignly:
// the last writer wins per field group.
func (c *Config) Update(p Partial) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.QueryLength != nil {
		c.queryLength = *p.QueryLength
	}
	if p.IndustryTermCounts != nil {
		c.industryTerms = *p.IndustryTermCounts
	}
	if p.CrossRefThreshold != nil {
		c.crossRefsHigh = *p.CrossRefThreshold
	}
	if p.Models != nil {
		c.models = *p.Models
	}
	if p.HighTierTasks != nil {
		c.highTierTasks = make(map[TaskType]struct{}, len(p.HighTierTasks))
		for _, t := range p.HighTierTasks {
			c.highTierTasks[t] = struct{}{}
		}
	}
	if p.Pinned != nil {
		c.pinned = p.Pinned
	}
	if p.Overrides != nil {
		c.overrides = p.Overrides
	}
	if p.IndustryVocab != nil {
		c.industryVocab = p.IndustryVocab
	}
	if p.CrossRefVocab != nil {
		c.crossRefVocab = p.CrossRefVocab
	}
}

// Models returns the current complexity-tier model mapping.
func (c *Config) Models() ModelMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models
}

// snapshot copies the fields the classifier reads, so scoring works on a
// consistent view without holding the lock.
type snapshot struct {
	queryLength   LengthThresholds
	industryTerms TermThresholds
	crossRefsHigh int
	pinned        map[TaskType]Complexity
	industryVocab []string
	crossRefVocab []string
}

func (c *Config) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot{
		queryLength:   c.queryLength,
		industryTerms: c.industryTerms,
		crossRefsHigh: c.crossRefsHigh,
		pinned:        c.pinned,
		industryVocab: c.industryVocab,
		crossRefVocab: c.crossRefVocab,
	}
}

func (c *Config) isHighTier(task TaskType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.highTierTasks[task]
	return ok
}

func (c *Config) override(task TaskType) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.overrides[task]
	return m, ok
}

// countOccurrences counts how many times any of the terms appear in text,
// stopping early once limit occurrences have been found. Counting past
// the highest scoring threshold cannot change the verdict.
func countOccurrences(text string, terms []string, limit int) int {
	count := 0
	for _, term := range terms {
		count += strings.Count(text, term)
		if limit > 0 && count >= limit {
			return count
		}
	}
	return count
}
