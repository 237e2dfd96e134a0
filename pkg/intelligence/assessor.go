package intelligence

import (
	"math"
	"strings"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// TurnAssessor turns a completed exchange into relationship deltas and a quality point.
//
// It is rule-based and deterministic. Each criterion contributes a small weighted amount, so
// a single turn can only move the scores a little; the relationship store bounds them again.
type TurnAssessor struct {
	// weights per criterion; they sum to 1 for the quality score.
	weights map[string]float64
}

// NewTurnAssessor creates an assessor with the default criterion weights:
//   - valence: 0.35
//   - disclosure: 0.25
//   - engagement: 0.25
//   - attunement: 0.15
func NewTurnAssessor() *TurnAssessor {
	return &TurnAssessor{
		weights: map[string]float64{
			"valence":    0.35,
			"disclosure": 0.25,
			"engagement": 0.25,
			"attunement": 0.15,
		},
	}
}

// Assess scores one exchange. userText is the user's message, reply the agent's answer and
// s the signal extracted from userText.
func (a *TurnAssessor) Assess(userText, reply string, s signal.Signal) TurnAssessment {
	valence := Valence(s)
	disclosure := 0.0
	switch s.Intent {
	case signal.IntentDisclosure, signal.IntentVenting:
		disclosure = 1
	case signal.IntentQuestion, signal.IntentRequest:
		disclosure = 0.3
	}

	engagement := math.Min(float64(len(strings.Fields(userText)))/40, 1)
	attune := 0.5
	if strings.TrimSpace(reply) == "" {
		attune = 0
	} else if s.Primary.Negative() && s.Intensity >= 0.5 {
		// strong negative turns that got an answer count as support
		attune = 1
	}
	if s.Degraded {
		attune *= 0.5
	}

	quality := a.weights["valence"]*(valence+1)/2 +
		a.weights["disclosure"]*disclosure +
		a.weights["engagement"]*engagement +
		a.weights["attunement"]*attune

	out := TurnAssessment{
		Trust:      0.02*disclosure - 0.01*boolTo(targetsAgent(userText) && valence < 0),
		Affection:  0.03 * valence * s.Intensity,
		Attunement: 0.02*attune - 0.01,
		Quality:    math.Max(0, math.Min(1, quality)),
	}
	if targetsAgent(userText) && valence < 0 {
		out.Affection = -0.03 * s.Intensity
	}
	return out
}

// Valence maps a signal onto [-1,1].
func Valence(s signal.Signal) float64 {
	var v float64
	switch s.Primary {
	case signal.Joy, signal.Love:
		v = 1
	case signal.Surprise:
		v = 0.3
	case signal.Sadness, signal.Fear:
		v = -0.6
	case signal.Anger, signal.Disgust:
		v = -1
	}
	return v * s.Confidence
}

func targetsAgent(text string) bool {
	for _, w := range signal.Tokenize(text) {
		if w == "you" || w == "you're" || w == "your" {
			return true
		}
	}
	return false
}

func boolTo(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
