package persona

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gemini-legion/legion/pkg/models"
)

// Cue renders an emotional state as a short natural-language line for prompt
// injection. It is intentionally lossy; the model needs a vibe, not numbers.
func Cue(state *models.EmotionalState) string {
	if state == nil {
		return "feeling neutral"
	}

	parts := []string{describeValence(state.Mood.Valence)}
	if state.Energy < 0.3 {
		parts = append(parts, "running low on energy")
	} else if state.Energy > 0.8 {
		parts = append(parts, "full of energy")
	}
	if state.Stress > 0.7 {
		parts = append(parts, "under heavy stress")
	} else if state.Stress > 0.4 {
		parts = append(parts, "somewhat tense")
	}
	if state.Mood.Curiosity > 0.75 {
		parts = append(parts, "very curious")
	}
	if state.Mood.Sociability > 0.75 {
		parts = append(parts, "eager to chat")
	} else if state.Mood.Sociability < 0.25 {
		parts = append(parts, "withdrawn")
	}
	return strings.Join(parts, ", ")
}

// OpinionCue renders the agent's opinion of one counterpart, or "" when the
// agent has no history with them.
func OpinionCue(state *models.EmotionalState, counterpartID string) string {
	if state == nil {
		return ""
	}
	op, ok := state.Opinions[counterpartID]
	if !ok || op.InteractionCount == 0 {
		return ""
	}
	var traits []string
	if op.Trust > 30 {
		traits = append(traits, "trusts them")
	} else if op.Trust < -30 {
		traits = append(traits, "distrusts them")
	}
	if op.Respect > 30 {
		traits = append(traits, "respects them")
	} else if op.Respect < -30 {
		traits = append(traits, "does not respect them")
	}
	if op.Affection > 30 {
		traits = append(traits, "is fond of them")
	} else if op.Affection < -30 {
		traits = append(traits, "dislikes them")
	}
	if len(traits) == 0 {
		traits = append(traits, "is still forming an opinion")
	}
	sort.Strings(traits)
	return fmt.Sprintf("toward %s: %s", counterpartID, strings.Join(traits, ", "))
}

func describeValence(v float64) string {
	switch {
	case v > 0.5:
		return "feeling great"
	case v > 0.15:
		return "in a good mood"
	case v < -0.5:
		return "feeling down"
	case v < -0.15:
		return "in a sour mood"
	default:
		return "feeling even-keeled"
	}
}
