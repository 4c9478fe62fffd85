package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	classifySystem = `You decide whether a chat message or thread contains durable, reusable team knowledge
(decisions, how-tos, explanations, announcements, troubleshooting). Small talk and status pings are not knowledge.
Answer with a JSON object: {"is_knowledge": bool, "confidence": number between 0 and 1}.`

	escalateSystem = `You review chat content that a smaller model could not classify with confidence.
Decide whether it contains durable, reusable team knowledge and suggest a short title if it does.
Answer with a JSON object: {"is_knowledge": bool, "confidence": number between 0 and 1, "suggested_title": string}.`
)

// localConfidentAt is the self-reported confidence from which a local
// verdict is trusted without escalation.
const localConfidentAt = 0.8

type classifyAnswer struct {
	IsKnowledge    *bool    `json:"is_knowledge"`
	Confidence     *float64 `json:"confidence"`
	SuggestedTitle string   `json:"suggested_title"`
}

func parseClassifyAnswer(content string) (classifyAnswer, error) {
	var out classifyAnswer
	raw := extractJSONObject(content)
	if raw == "" {
		return out, fmt.Errorf("%w: no json object", errMalformed)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if out.IsKnowledge == nil || out.Confidence == nil {
		return out, fmt.Errorf("%w: missing fields", errMalformed)
	}
	if *out.Confidence < 0 || *out.Confidence > 1 {
		return out, fmt.Errorf("%w: confidence %v out of range", errMalformed, *out.Confidence)
	}
	return out, nil
}

// extractJSONObject trims code fences and prose around the first {...} span.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return content[start : end+1]
}

func escalatePrompt(text, surrounding string) string {
	var b strings.Builder
	if strings.TrimSpace(surrounding) != "" {
		b.WriteString("Surrounding conversation:\n")
		b.WriteString(surrounding)
		b.WriteString("\n\n")
	}
	b.WriteString("Content to classify:\n")
	b.WriteString(text)
	return b.String()
}
