package signal

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// emotionLexicon maps cue words onto taxonomy labels.
var emotionLexicon = map[string]Emotion{
	"happy": Joy, "glad": Joy, "great": Joy, "excited": Joy, "awesome": Joy, "thrilled": Joy,
	"delighted": Joy, "proud": Joy, "yay": Joy, "wonderful": Joy, "fun": Joy,
	"sad": Sadness, "unhappy": Sadness, "lonely": Sadness, "miss": Sadness, "cry": Sadness,
	"crying": Sadness, "depressed": Sadness, "heartbroken": Sadness, "lost": Sadness, "down": Sadness,
	"angry": Anger, "mad": Anger, "furious": Anger, "annoyed": Anger, "hate": Anger,
	"frustrated": Anger, "irritated": Anger, "unfair": Anger,
	"afraid": Fear, "scared": Fear, "worried": Fear, "anxious": Fear, "nervous": Fear,
	"terrified": Fear, "panic": Fear, "stressed": Fear,
	"surprised": Surprise, "shocked": Surprise, "wow": Surprise, "unexpected": Surprise,
	"suddenly": Surprise, "amazed": Surprise,
	"disgusted": Disgust, "gross": Disgust, "awful": Disgust, "nasty": Disgust, "sick": Disgust,
	"love": Love, "adore": Love, "cherish": Love, "darling": Love, "grateful": Love,
	"thankful": Love, "care": Love,
}

var intensifiers = map[string]bool{
	"very": true, "so": true, "really": true, "extremely": true, "totally": true,
	"absolutely": true, "incredibly": true, "super": true,
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "dont": true, "don't": true, "isnt": true,
	"isn't": true, "wasnt": true, "wasn't": true, "cant": true, "can't": true, "didnt": true,
	"didn't": true, "hardly": true,
}

var firstPerson = map[string]bool{"i": true, "me": true, "my": true, "mine": true, "myself": true, "i'm": true, "im": true}

var thirdPerson = map[string]bool{
	"he": true, "she": true, "they": true, "him": true, "her": true, "them": true,
	"his": true, "their": true, "hers": true, "theirs": true,
}

// LexiconClassifier is an offline keyword classifier.
//
// It is the fallback inference capability when no model is configured, and supplies intent
// and stance when a model answer omits them.
type LexiconClassifier struct{}

// NewLexiconClassifier creates a LexiconClassifier.
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{}
}

// Classify scores the text against the cue lexicon.
func (l *LexiconClassifier) Classify(ctx context.Context, text string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	words := Tokenize(text)
	hits := map[Emotion]float64{}
	boosts := 0
	total := 0.0
	for i, w := range words {
		if intensifiers[w] {
			boosts++
			continue
		}
		label, ok := emotionLexicon[w]
		if !ok {
			continue
		}
		if i > 0 && negators[words[i-1]] || i > 1 && negators[words[i-2]] {
			continue
		}
		hits[label]++
		total++
	}

	s := NeutralSignal()
	s.Intent = DetectIntent(text)
	s.SelfFocus = SelfFocus(words)
	if total == 0 {
		return s, nil
	}

	ranked := rankEmotions(hits)
	s.Primary = ranked[0]
	s.Confidence = 0.4 + 0.6*hits[ranked[0]]/total
	s.Intensity = 0.3 + 0.15*total + 0.15*float64(boosts) + 0.1*float64(strings.Count(text, "!"))
	for _, label := range ranked[1:] {
		s.Secondaries = append(s.Secondaries, Secondary{Label: label, Weight: hits[label] / total})
	}
	if s.Primary.Negative() && s.Intensity >= 0.6 && (s.Intent == IntentDisclosure || s.Intent == IntentChitChat) {
		s.Intent = IntentVenting
	}
	return s.Normalize(), nil
}

// rankEmotions orders labels by hit count, ties broken by taxonomy order.
func rankEmotions(hits map[Emotion]float64) []Emotion {
	order := map[Emotion]int{}
	for i, e := range Taxonomy {
		order[e] = i
	}
	labels := make([]Emotion, 0, len(hits))
	for e := range hits {
		labels = append(labels, e)
	}
	sort.Slice(labels, func(i, j int) bool {
		if hits[labels[i]] != hits[labels[j]] {
			return hits[labels[i]] > hits[labels[j]]
		}
		return order[labels[i]] < order[labels[j]]
	})
	return labels
}

// DetectIntent classifies the coarse intent of a message with surface rules.
func DetectIntent(text string) Intent {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	words := Tokenize(trimmed)
	if len(words) == 0 {
		return IntentChitChat
	}

	switch words[0] {
	case "hi", "hello", "hey", "yo", "morning", "evening":
		if len(words) <= 4 {
			return IntentGreeting
		}
	}
	if strings.HasPrefix(trimmed, "good morning") || strings.HasPrefix(trimmed, "good evening") {
		return IntentGreeting
	}

	if strings.Contains(trimmed, "please") || strings.HasPrefix(trimmed, "can you") ||
		strings.HasPrefix(trimmed, "could you") || strings.Contains(trimmed, "help me") {
		return IntentRequest
	}

	if strings.HasSuffix(trimmed, "?") {
		return IntentQuestion
	}
	switch words[0] {
	case "what", "why", "how", "when", "where", "who", "which", "do", "does", "is", "are", "can", "should":
		return IntentQuestion
	}

	if firstPerson[words[0]] || strings.Contains(trimmed, "i am ") || strings.Contains(trimmed, " my ") {
		return IntentDisclosure
	}
	return IntentChitChat
}

// SelfFocus scores the stance of a message: +1 when only first-person references occur,
// -1 when only third-person ones do.
func SelfFocus(words []string) float64 {
	var self, other float64
	for _, w := range words {
		if firstPerson[w] {
			self++
		} else if thirdPerson[w] {
			other++
		}
	}
	if self+other == 0 {
		return 0
	}
	return (self - other) / (self + other)
}

// Tokenize lowercases text and splits it into words, keeping inner apostrophes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
