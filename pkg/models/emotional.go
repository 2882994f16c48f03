package models

import (
	"encoding/json"
	"time"
)

// MoodVector holds the six mood scalars. Valence is in [-1,1]; the rest in [0,1].
type MoodVector struct {
	Valence     float64 `json:"valence"`
	Arousal     float64 `json:"arousal"`
	Dominance   float64 `json:"dominance"`
	Curiosity   float64 `json:"curiosity"`
	Creativity  float64 `json:"creativity"`
	Sociability float64 `json:"sociability"`
}

// OpinionScore is the structured opinion of one agent about another entity.
// Components are in [-100,100].
type OpinionScore struct {
	Trust            float64   `json:"trust"`
	Respect          float64   `json:"respect"`
	Affection        float64   `json:"affection"`
	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction"`
	NotableEvents    []string  `json:"notable_events,omitempty"`
}

// UnmarshalJSON accepts both the structured form and the legacy bare number,
// which upgrades by spreading the value across all three components.
func (o *OpinionScore) UnmarshalJSON(data []byte) error {
	var legacy float64
	if err := json.Unmarshal(data, &legacy); err == nil {
		o.Trust = legacy
		o.Respect = legacy
		o.Affection = legacy
		return nil
	}
	type alias OpinionScore
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = OpinionScore(a)
	return nil
}

// EmotionalState is the mutable affective state of an agent.
// Version strictly increases on every accepted write.
type EmotionalState struct {
	Mood        MoodVector              `json:"mood"`
	Energy      float64                 `json:"energy"`
	Stress      float64                 `json:"stress"`
	Opinions    map[string]OpinionScore `json:"opinions"`
	Version     uint64                  `json:"version"`
	LastUpdated time.Time               `json:"last_updated"`
}

// NewEmotionalState returns the neutral state every agent starts with.
func NewEmotionalState() *EmotionalState {
	return &EmotionalState{
		Mood: MoodVector{
			Arousal:     0.5,
			Dominance:   0.5,
			Curiosity:   0.5,
			Creativity:  0.5,
			Sociability: 0.5,
		},
		Energy:      0.7,
		Stress:      0.1,
		Opinions:    make(map[string]OpinionScore),
		Version:     1,
		LastUpdated: time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (s *EmotionalState) Clone() *EmotionalState {
	cp := *s
	cp.Opinions = make(map[string]OpinionScore, len(s.Opinions))
	for k, v := range s.Opinions {
		ev := make([]string, len(v.NotableEvents))
		copy(ev, v.NotableEvents)
		v.NotableEvents = ev
		cp.Opinions[k] = v
	}
	return &cp
}

// Clamp forces every component back into its declared interval.
func (s *EmotionalState) Clamp() {
	s.Mood.Valence = ClampF(s.Mood.Valence, -1, 1)
	s.Mood.Arousal = ClampF(s.Mood.Arousal, 0, 1)
	s.Mood.Dominance = ClampF(s.Mood.Dominance, 0, 1)
	s.Mood.Curiosity = ClampF(s.Mood.Curiosity, 0, 1)
	s.Mood.Creativity = ClampF(s.Mood.Creativity, 0, 1)
	s.Mood.Sociability = ClampF(s.Mood.Sociability, 0, 1)
	s.Energy = ClampF(s.Energy, 0, 1)
	s.Stress = ClampF(s.Stress, 0, 1)
	for id, op := range s.Opinions {
		op.Trust = ClampF(op.Trust, -100, 100)
		op.Respect = ClampF(op.Respect, -100, 100)
		op.Affection = ClampF(op.Affection, -100, 100)
		s.Opinions[id] = op
	}
}

// ClampF bounds v to [lo, hi].
func ClampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
