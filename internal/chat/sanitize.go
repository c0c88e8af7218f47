package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// commonKeys are the envelope keys models tend to wrap their reply in when
// they leak structured output. Checked in order; the first string-valued hit
// wins.
var commonKeys = [...]string{
	"text",
	"message",
	"content",
	"response",
	"reply",
	"output",
	"answer",
	"completion",
}

var (
	wholeFenceRE = regexp.MustCompile("(?s)^```json\\s*(.+?)\\s*```$")

	// rescueREs extract a common key's value from JSON-ish text that the
	// parser rejects (missing comma, stray tokens).
	rescueREs = func() []*regexp.Regexp {
		res := make([]*regexp.Regexp, len(commonKeys))
		for i, key := range commonKeys {
			res[i] = regexp.MustCompile(`"` + key + `"\s*:\s*"((?:\\.|[^"\\])*)"`)
		}
		return res
	}()
)

// ExtractText safeguards user-facing chat text coming from an LLM against
// leaked JSON envelopes. Plain prose passes through unchanged; recognized
// wrappers are unwrapped layer by layer; structured output with no
// recognizable text key collapses to the empty string so the UI and TTS never
// see raw JSON.
func ExtractText(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	// Layer 1: the whole string is valid JSON.
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		switch v := parsed.(type) {
		case map[string]any:
			if s, ok := commonKeyValue(v); ok {
				return finalize(s)
			}
			slog.Debug("chat: structured reply without a known text key", "reply", text)
			return ""
		case []any:
			return ""
		case string:
			quoted := strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) > 2
			if !quoted {
				return finalize(v)
			}
			// A quoted string may itself wrap JSON; handled below.
		default:
			return scalarString(parsed)
		}
	}

	// Layer 2: stringified JSON ("{\"text\":...}").
	if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) > 2 {
		var outer string
		if err := json.Unmarshal([]byte(text), &outer); err == nil {
			var inner any
			if err := json.Unmarshal([]byte(unescapeEmbedded(outer)), &inner); err == nil {
				switch v := inner.(type) {
				case map[string]any:
					if s, ok := commonKeyValue(v); ok {
						return finalize(s)
					}
					return ""
				case []any:
					return ""
				case string:
					return finalize(v)
				default:
					return scalarString(inner)
				}
			}
			// The quoted payload was ordinary prose after all.
			return finalize(outer)
		}
	}

	// Layer 3: the whole string is one ```json fenced block.
	if m := wholeFenceRE.FindStringSubmatch(text); m != nil {
		var parsed any
		if err := json.Unmarshal([]byte(m[1]), &parsed); err != nil {
			return ""
		}
		switch v := parsed.(type) {
		case map[string]any:
			if s, ok := commonKeyValue(v); ok {
				return finalize(s)
			}
			return ""
		case []any:
			return ""
		case string:
			return finalize(v)
		default:
			return scalarString(parsed)
		}
	}

	// Layer 4a: trailing ```json fenced block after an ignorable preamble
	// (chain-of-thought prefixes, "here is the response:").
	if start := strings.LastIndex(text, "```json"); start != -1 {
		rest := text[start+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 && strings.TrimSpace(rest[end+3:]) == "" {
			content := strings.TrimSpace(rest[:end])
			if s, ok := trailingBlockValue(text, content, start, true); ok {
				return s
			}
		}
	}

	// Layer 4b: trailing brace-balanced object.
	if block, start := lastObjectBlock(text); block != "" {
		if s, ok := trailingBlockValue(text, block, start, false); ok {
			return s
		}
	}

	// Layer 5: JSON-shaped but unparsable; rescue a common key by regex when
	// its match dominates the string.
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		var v any
		if json.Unmarshal([]byte(text), &v) != nil {
			for _, re := range rescueREs {
				m := re.FindStringSubmatch(text)
				if m == nil || m[1] == "" {
					continue
				}
				if float64(len(m[0])) > float64(len(text))*0.5 {
					return finalize(m[1])
				}
			}
		}
	}

	// Anything still JSON-shaped is a leak; suppress it rather than speak it.
	if looksLikeJSON(text) {
		slog.Debug("chat: unparsable structured reply suppressed", "reply", text)
		return ""
	}

	return text
}

// commonKeyValue returns the first common key whose value is a string.
func commonKeyValue(obj map[string]any) (string, bool) {
	for _, key := range commonKeys {
		if s, ok := obj[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

// trailingBlockValue extracts a common key from a JSON block that ends the
// reply, provided everything before it is an ignorable preamble.
func trailingBlockValue(full, block string, start int, fenced bool) (string, bool) {
	content := block
	if !fenced {
		content = unescapeEmbedded(block)
	}
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", false
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := commonKeyValue(obj)
	if !ok {
		return "", false
	}

	before := strings.ToLower(strings.TrimSpace(full[:start]))
	ignorable := before == "" ||
		strings.HasSuffix(before, ":") ||
		strings.Contains(before, "thought:") ||
		strings.Contains(before, "action:")
	if !ignorable {
		return "", false
	}
	return finalize(s), true
}

// lastObjectBlock scans backwards for the last standalone brace-balanced
// object in text. A block counts as standalone when it starts the string or
// follows whitespace or a colon.
func lastObjectBlock(text string) (string, int) {
	balance, end := 0, -1
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case '}':
			if balance == 0 {
				end = i
			}
			balance++
		case '{':
			balance--
			if balance == 0 && end != -1 {
				standalone := i == 0
				if !standalone {
					switch c := text[i-1]; c {
					case ':', ' ', '\t', '\n', '\r':
						standalone = true
					}
				}
				if standalone {
					return text[i : end+1], i
				}
				// Embedded mid-token; keep looking further left.
				balance, end = 0, -1
			}
		}
	}
	return "", -1
}

// unescapeEmbedded prepares a string that may itself contain stringified JSON
// for a second parse.
func unescapeEmbedded(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// finalize cleans residual escape sequences out of an extracted value.
func finalize(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// scalarString renders a JSON scalar the way a chat line would show it.
func scalarString(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%v", v)
}

// looksLikeJSON reports whether text is shaped like a JSON object or array.
func looksLikeJSON(text string) bool {
	t := strings.TrimSpace(text)
	return (strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")) ||
		(strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]"))
}
