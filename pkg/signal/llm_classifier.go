package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oceanbase/powerfuse-go/pkg/llm"
)

const classifySystemPrompt = `You classify the emotion and stance of a single chat message.
Allowed emotion labels: joy, sadness, anger, fear, surprise, disgust, love, neutral.
Allowed intents: question, disclosure, request, greeting, venting, chit_chat.
Return only a JSON object of the form:
{"primary": "<label>", "confidence": 0.0-1.0, "intensity": 0.0-1.0,
 "secondary": [{"label": "<label>", "weight": 0.0-1.0}],
 "self_focus": -1.0-1.0, "intent": "<intent>"}
self_focus is positive when the feeling is about the speaker and negative when it is about
someone else. Use at most three secondary labels.`

// LLMClassifier asks an llm.Provider to classify a message.
type LLMClassifier struct {
	provider llm.Provider
}

// NewLLMClassifier creates a classifier backed by the given provider.
func NewLLMClassifier(provider llm.Provider) *LLMClassifier {
	return &LLMClassifier{provider: provider}
}

type classifyResponse struct {
	Primary    string  `json:"primary"`
	Confidence float64 `json:"confidence"`
	Intensity  float64 `json:"intensity"`
	Secondary  []struct {
		Label  string  `json:"label"`
		Weight float64 `json:"weight"`
	} `json:"secondary"`
	SelfFocus *float64 `json:"self_focus"`
	Intent    string   `json:"intent"`
}

// Classify calls the provider and parses its JSON answer.
//
// Returns an error when the provider fails or the answer has no usable primary label.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Signal, error) {
	response, err := c.provider.Generate(ctx, text,
		llm.WithSystem(classifySystemPrompt),
		llm.WithTemperature(0),
		llm.WithMaxTokens(200),
	)
	if err != nil {
		return Signal{}, fmt.Errorf("Classify: %w", err)
	}
	return parseClassifyResponse(response, text)
}

func parseClassifyResponse(response, text string) (Signal, error) {
	var parsed classifyResponse
	if err := json.Unmarshal([]byte(removeCodeBlocks(response)), &parsed); err != nil {
		return Signal{}, fmt.Errorf("Classify: invalid JSON response: %w", err)
	}

	primary, ok := ParseEmotion(parsed.Primary)
	if !ok {
		return Signal{}, fmt.Errorf("Classify: unknown emotion label %q", parsed.Primary)
	}

	s := Signal{
		Primary:    primary,
		Confidence: parsed.Confidence,
		Intensity:  parsed.Intensity,
	}
	for _, sec := range parsed.Secondary {
		if label, ok := ParseEmotion(sec.Label); ok {
			s.Secondaries = append(s.Secondaries, Secondary{Label: label, Weight: sec.Weight})
		}
	}

	if parsed.SelfFocus != nil {
		s.SelfFocus = *parsed.SelfFocus
	} else {
		s.SelfFocus = SelfFocus(Tokenize(text))
	}
	if intent, ok := ParseIntent(parsed.Intent); ok {
		s.Intent = intent
	} else {
		s.Intent = DetectIntent(text)
	}
	return s.Normalize(), nil
}

// removeCodeBlocks strips markdown code fences around a JSON answer.
func removeCodeBlocks(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}
