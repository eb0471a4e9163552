package conversation

import (
	"math"
	"regexp"
	"strings"
)

var reThinkTags = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// RemoveThinkTags strips a leading reasoning block from an assistant reply
// before it is hashed or replayed.
func RemoveThinkTags(content string) string {
	return reThinkTags.ReplaceAllString(content, "")
}

// NeedRoleTags reports whether a history needs explicit role markers: any
// turn that is not a plain user message makes the flattened prompt
// ambiguous without them.
func NeedRoleTags(msgs []Message) bool {
	for _, m := range msgs {
		if NormalizeRole(m.Role) != "user" {
			return true
		}
	}
	return false
}

// AddRoleTag wraps content in chat markup. An unclosed trailing assistant
// tag invites the model to continue that turn.
func AddRoleTag(role, content string, unclosed bool) string {
	if unclosed {
		return "<|im_start|>" + role + "\n" + content
	}
	return "<|im_start|>" + role + "\n" + content + "\n<|im_end|>"
}

// Flatten renders a history into one prompt. Pure user histories join with
// newlines; mixed histories get role tags plus an open assistant tag at the
// end so the reply continues naturally.
func Flatten(msgs []Message) string {
	if !NeedRoleTags(msgs) {
		parts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			parts = append(parts, m.Content)
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	var b strings.Builder
	for i, m := range msgs {
		role := NormalizeRole(m.Role)
		last := i == len(msgs)-1
		if last && role == "assistant" {
			b.WriteString(AddRoleTag(role, m.Content, true))
			return strings.TrimSpace(b.String())
		}
		b.WriteString(AddRoleTag(role, m.Content, false))
		b.WriteString("\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return strings.TrimSpace(b.String())
}

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return int(math.Ceil(float64(n) / 4.0))
}
