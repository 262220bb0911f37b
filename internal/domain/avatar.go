// Package domain contains core domain types for the avatar training engine.
package domain

import (
	"fmt"
)

// AvatarConfig describes a named AI persona. Learned corrections are shared
// across every session of the same avatar type, so AvatarType is the
// partition key for the knowledge store.
type AvatarConfig struct {
	AvatarType  string `json:"avatar_type"`
	DisplayName string `json:"display_name"`
	Persona     string `json:"persona"`
	Specialty   string `json:"specialty"`
}

// Scenario describes one role-play setup for an avatar: who the simulated
// customer is and how the conversation opens.
type Scenario struct {
	ScenarioID      string `json:"scenario_id"`
	Title           string `json:"title"`
	CustomerProfile string `json:"customer_profile"`
	Opening         string `json:"opening"`
	OpeningEmotion  string `json:"opening_emotion"`
	Goal            string `json:"goal"`
}

// Registry is a closed set of avatar and scenario descriptors. String ids are
// resolved exactly once at session start into immutable config values; no
// per-turn lookups happen afterwards.
type Registry struct {
	avatars   map[string]AvatarConfig
	scenarios map[string]map[string]Scenario // avatar type -> scenario id
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		avatars:   make(map[string]AvatarConfig),
		scenarios: make(map[string]map[string]Scenario),
	}
}

// AddAvatar registers a persona descriptor.
func (r *Registry) AddAvatar(a AvatarConfig) {
	r.avatars[a.AvatarType] = a
	if r.scenarios[a.AvatarType] == nil {
		r.scenarios[a.AvatarType] = make(map[string]Scenario)
	}
}

// AddScenario registers a scenario for an avatar type.
func (r *Registry) AddScenario(avatarType string, sc Scenario) error {
	if _, ok := r.avatars[avatarType]; !ok {
		return fmt.Errorf("unknown avatar type %q", avatarType)
	}
	r.scenarios[avatarType][sc.ScenarioID] = sc
	return nil
}

// Avatar resolves an avatar type. The boolean is false for unknown types.
func (r *Registry) Avatar(avatarType string) (AvatarConfig, bool) {
	a, ok := r.avatars[avatarType]
	return a, ok
}

// Scenario resolves a scenario id for an avatar type.
func (r *Registry) Scenario(avatarType, scenarioID string) (Scenario, bool) {
	sc, ok := r.scenarios[avatarType][scenarioID]
	return sc, ok
}

// AvatarTypes lists the registered avatar type ids.
func (r *Registry) AvatarTypes() []string {
	types := make([]string, 0, len(r.avatars))
	for t := range r.avatars {
		types = append(types, t)
	}
	return types
}

// DefaultRegistry returns the built-in personas and scenarios.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.AddAvatar(AvatarConfig{
		AvatarType:  "dr_sakura",
		DisplayName: "Dr. Sakura",
		Persona:     "Warm, evidence-based women's health coach. Answers plainly, acknowledges feelings before facts, always offers a concrete next step.",
		Specialty:   "breast health and screening",
	})
	_ = r.AddScenario("dr_sakura", Scenario{
		ScenarioID:      "mammo_anxiety",
		Title:           "Mammogram anxiety",
		CustomerProfile: "42-year-old first-time patient, anxious about her upcoming mammogram and possible results.",
		Opening:         "I got a letter about my first mammogram next week and honestly I'm terrified. What if they find something?",
		OpeningEmotion:  "anxious",
		Goal:            "Reduce anxiety, explain the screening process, and book a concrete follow-up.",
	})
	_ = r.AddScenario("dr_sakura", Scenario{
		ScenarioID:      "result_followup",
		Title:           "Abnormal result follow-up",
		CustomerProfile: "Patient called back after an inconclusive screening result.",
		Opening:         "They said my results were inconclusive and I need more imaging. Does that mean I have cancer?",
		OpeningEmotion:  "afraid",
		Goal:            "Explain what an inconclusive result means and walk through the next steps calmly.",
	})

	r.AddAvatar(AvatarConfig{
		AvatarType:  "biz_coach",
		DisplayName: "Coach Morgan",
		Persona:     "Pragmatic small-business growth coach. Direct, numbers-first, ends every reply with one actionable recommendation.",
		Specialty:   "small business growth",
	})
	_ = r.AddScenario("biz_coach", Scenario{
		ScenarioID:      "churn_spike",
		Title:           "Customer churn spike",
		CustomerProfile: "Studio owner who lost 20% of members in one month.",
		Opening:         "A fifth of my members cancelled last month and I have no idea why. Where do I even start?",
		OpeningEmotion:  "frustrated",
		Goal:            "Diagnose likely churn causes and agree on a retention experiment.",
	})

	return r
}
