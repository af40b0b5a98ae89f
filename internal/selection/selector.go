package selection

// Selector maps a task to a concrete model identifier.
//
// The policy is deliberately simple: a small fixed set of deep analytical
// task types always gets the high-tier model, everything else gets the
// cheap one. The computed complexity score and the structured-data flag do
// not influence the final pick; predictable cost beats nuanced selection
// here. The per-task override table on Config is kept for operators who
// need a different mapping, but the primary path below does not consult
// the complexity-tier mapping.
type Selector struct {
	config *Config
}

// NewSelector creates a Selector reading the given config.
func NewSelector(cfg *Config) *Selector {
	return &Selector{config: cfg}
}

// Select returns the model identifier for a task. hasStructuredData is
// accepted for interface stability but does not affect the result.
func (s *Selector) Select(taskType TaskType, hasStructuredData bool) string {
	if model, ok := s.config.override(taskType); ok {
		return model
	}
	models := s.config.Models()
	if s.config.isHighTier(taskType) {
		return models.High
	}
	return models.Low
}

// ModelForComplexity maps a complexity verdict to a model through the
// tier mapping. Not used by Select; retained as the configurable
// complexity-aware path.
func (s *Selector) ModelForComplexity(c Complexity) string {
	models := s.config.Models()
	switch c {
	case ComplexityHigh:
		return models.High
	case ComplexityMedium:
		return models.Medium
	default:
		return models.Low
	}
}

// Fallback returns the cheap model used when the high-tier model is
// unavailable.
func (s *Selector) Fallback() string {
	return s.config.Models().Low
}
