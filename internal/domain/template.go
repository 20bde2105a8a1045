package domain

import "time"

// Template is the script a batch request carries.
type Template struct {
	ID                 string              `json:"id,omitempty"`
	CampaignType       string              `json:"campaign_type,omitempty"`
	Subtype            string              `json:"subtype,omitempty"`
	Stages             []TemplateStage     `json:"stages"`
	CampaignTypeStages map[string][]string `json:"campaign_type_stages,omitempty"`
	Timing             *TimingConfig       `json:"timing,omitempty"`
}

// TemplateStage is the producer-facing stage shape.
type TemplateStage struct {
	Stage                string         `json:"stage"`
	ContentStructure     map[string]any `json:"content_structure,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	CompletionCriteria   map[string]any `json:"completion_criteria,omitempty"`
	FollowUpTiming       *TimingConfig  `json:"follow_up_timing,omitempty"`
	ConversationGuidance map[string]any `json:"conversation_guidance,omitempty"`
}

// StageNames returns the template stage names in order.
func (t Template) StageNames() []string {
	names := make([]string, 0, len(t.Stages))
	for _, s := range t.Stages {
		names = append(names, s.Stage)
	}
	return names
}

// TimingConfig holds stage advancement rules. Nil fields inherit from the enclosing level.
type TimingConfig struct {
	MaxDaysInStage             *float64 `json:"max_days_in_stage,omitempty"`
	AdvancementSignalThreshold *int     `json:"advancement_signal_threshold,omitempty"`
}

// ResolvedTiming is a fully merged timing configuration.
type ResolvedTiming struct {
	MaxInStage      time.Duration
	SignalThreshold int
}

// Merge overlays override on t and returns the result. Neither input is modified.
func (t TimingConfig) Merge(override *TimingConfig) TimingConfig {
	out := t
	if override == nil {
		return out
	}
	if override.MaxDaysInStage != nil {
		v := *override.MaxDaysInStage
		out.MaxDaysInStage = &v
	}
	if override.AdvancementSignalThreshold != nil {
		v := *override.AdvancementSignalThreshold
		out.AdvancementSignalThreshold = &v
	}
	return out
}

// Resolve converts the configuration into durations. A missing threshold disables the signal trigger
// and a missing max-days disables the time trigger.
func (t TimingConfig) Resolve() ResolvedTiming {
	res := ResolvedTiming{MaxInStage: -1}
	if t.MaxDaysInStage != nil && *t.MaxDaysInStage >= 0 {
		res.MaxInStage = time.Duration(*t.MaxDaysInStage * float64(24*time.Hour))
	}
	if t.AdvancementSignalThreshold != nil {
		res.SignalThreshold = *t.AdvancementSignalThreshold
	}
	return res
}

// Days is a small helper for building timing configs.
func Days(v float64) *float64 { return &v }

// Signals is a small helper for building timing configs.
func Signals(v int) *int { return &v }
