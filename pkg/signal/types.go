// Package signal derives the emotional and stance signal of an incoming message.
//
// A Signal is computed once per request and then shared by retrieval, fusion and persistence.
// Extraction never fails from the caller's point of view: when the inference capability is
// slow or down the Analyzer hands back a neutral signal flagged as degraded.
package signal

import (
	"sort"
	"strings"
)

// Emotion is a label from the fixed emotion taxonomy.
type Emotion string

const (
	Joy      Emotion = "joy"
	Sadness  Emotion = "sadness"
	Anger    Emotion = "anger"
	Fear     Emotion = "fear"
	Surprise Emotion = "surprise"
	Disgust  Emotion = "disgust"
	Love     Emotion = "love"
	Neutral  Emotion = "neutral"
)

// Taxonomy lists every supported emotion label.
var Taxonomy = []Emotion{Joy, Sadness, Anger, Fear, Surprise, Disgust, Love, Neutral}

// ParseEmotion maps a free-form label onto the taxonomy.
func ParseEmotion(label string) (Emotion, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	for _, e := range Taxonomy {
		if string(e) == label {
			return e, true
		}
	}
	switch label {
	case "happiness", "happy", "excitement":
		return Joy, true
	case "sad", "grief":
		return Sadness, true
	case "angry", "frustration":
		return Anger, true
	case "anxiety", "scared", "worry":
		return Fear, true
	case "affection":
		return Love, true
	}
	return "", false
}

// Negative reports whether the emotion is a negatively valenced one.
func (e Emotion) Negative() bool {
	switch e {
	case Sadness, Anger, Fear, Disgust:
		return true
	}
	return false
}

// Intent is the coarse conversational intent of a message.
type Intent string

const (
	IntentQuestion   Intent = "question"
	IntentDisclosure Intent = "disclosure"
	IntentRequest    Intent = "request"
	IntentGreeting   Intent = "greeting"
	IntentVenting    Intent = "venting"
	IntentChitChat   Intent = "chit_chat"
)

// ParseIntent maps a label onto a known intent.
func ParseIntent(label string) (Intent, bool) {
	switch Intent(strings.ToLower(strings.TrimSpace(label))) {
	case IntentQuestion:
		return IntentQuestion, true
	case IntentDisclosure:
		return IntentDisclosure, true
	case IntentRequest:
		return IntentRequest, true
	case IntentGreeting:
		return IntentGreeting, true
	case IntentVenting:
		return IntentVenting, true
	case IntentChitChat:
		return IntentChitChat, true
	}
	return "", false
}

// MaxSecondaries is the maximum number of secondary labels kept on a Signal.
const MaxSecondaries = 3

// Secondary is a weighted secondary emotion label.
type Secondary struct {
	Label  Emotion `json:"label"`
	Weight float64 `json:"weight"`
}

// Signal is the emotional/stance reading of one message.
type Signal struct {
	// Primary is the dominant emotion.
	Primary Emotion `json:"primary"`

	// Confidence is the classifier's confidence in Primary, in [0,1].
	Confidence float64 `json:"confidence"`

	// Intensity is how strongly the emotion is expressed, in [0,1].
	Intensity float64 `json:"intensity"`

	// Secondaries holds up to MaxSecondaries additional labels.
	Secondaries []Secondary `json:"secondaries,omitempty"`

	// SelfFocus is in [-1,1]: positive when the emotion is about the speaker,
	// negative when it is about a third party.
	SelfFocus float64 `json:"self_focus"`

	// Intent is the coarse intent of the message.
	Intent Intent `json:"intent"`

	// Degraded is set when the inference capability failed and defaults were used.
	Degraded bool `json:"degraded,omitempty"`
}

// NeutralSignal returns the documented default signal.
func NeutralSignal() Signal {
	return Signal{
		Primary:    Neutral,
		Confidence: 0.5,
		Intensity:  0.1,
		Intent:     IntentChitChat,
	}
}

// Boost is the retrieval score multiplier contribution of this signal: confidence × intensity.
func (s Signal) Boost() float64 {
	return s.Confidence * s.Intensity
}

// Normalize clamps every score into range, drops unknown labels and keeps at most
// MaxSecondaries secondaries sorted by weight, excluding the primary.
func (s Signal) Normalize() Signal {
	if _, ok := ParseEmotion(string(s.Primary)); !ok {
		s.Primary = Neutral
	}
	s.Confidence = clamp(s.Confidence, 0, 1)
	s.Intensity = clamp(s.Intensity, 0, 1)
	s.SelfFocus = clamp(s.SelfFocus, -1, 1)
	if _, ok := ParseIntent(string(s.Intent)); !ok {
		s.Intent = IntentChitChat
	}

	seen := map[Emotion]bool{s.Primary: true}
	kept := make([]Secondary, 0, len(s.Secondaries))
	for _, sec := range s.Secondaries {
		label, ok := ParseEmotion(string(sec.Label))
		if !ok || seen[label] || sec.Weight <= 0 {
			continue
		}
		seen[label] = true
		kept = append(kept, Secondary{Label: label, Weight: clamp(sec.Weight, 0, 1)})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Weight > kept[j].Weight })
	if len(kept) > MaxSecondaries {
		kept = kept[:MaxSecondaries]
	}
	if len(kept) == 0 {
		kept = nil
	}
	s.Secondaries = kept
	return s
}

// Describe renders a short natural-language description, used as the text of the affect
// projection when embedding.
func (s Signal) Describe() string {
	var b strings.Builder
	b.WriteString("feeling ")
	b.WriteString(intensityWord(s.Intensity))
	b.WriteString(" ")
	b.WriteString(string(s.Primary))
	for _, sec := range s.Secondaries {
		b.WriteString(" with ")
		b.WriteString(string(sec.Label))
	}
	if s.SelfFocus > 0.25 {
		b.WriteString(" about self")
	} else if s.SelfFocus < -0.25 {
		b.WriteString(" about someone else")
	}
	return b.String()
}

func intensityWord(v float64) string {
	switch {
	case v >= 0.75:
		return "intensely"
	case v >= 0.45:
		return "clearly"
	case v >= 0.2:
		return "mildly"
	default:
		return "faintly"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
