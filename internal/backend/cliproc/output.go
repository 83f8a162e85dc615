package cliproc

import (
	"strings"

	"github.com/tidwall/gjson"
)

// bannerPrefixes are noise lines some CLIs print before the answer.
var bannerPrefixes = []string{
	"workdir:",
	"model:",
	"provider:",
	"tokens used",
	"loading",
	"session:",
	"reading prompt",
}

// thinkingMarkers delimit reasoning traces embedded in plain-text output.
var thinkingMarkers = [][2]string{
	{"<thinking>", "</thinking>"},
	{"[Thinking]", "[/Thinking]"},
	{"<antThinking>", "</antThinking>"},
}

// cleanOutput turns raw CLI output into (answer, thinking). Line-delimited
// JSON event streams are parsed per line; anything else gets banner
// stripping and thinking-block extraction.
func cleanOutput(raw string) (text, thinking string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}

	if text, thinking, ok := parseJSONEvents(raw); ok {
		return text, thinking
	}

	var keep []string
	for _, line := range strings.Split(raw, "\n") {
		if isBannerLine(line) {
			continue
		}
		keep = append(keep, line)
	}
	text = strings.TrimSpace(strings.Join(keep, "\n"))
	text, thinking = extractThinking(text)
	return text, thinking
}

// parseJSONEvents handles CLIs that emit one JSON object per line. Text
// parts are collected (sometimes nested as part.text), thinking parts are
// separated, tool-invocation events are ignored. Returns ok=false when the
// output is not line-delimited JSON.
func parseJSONEvents(raw string) (text, thinking string, ok bool) {
	lines := strings.Split(raw, "\n")
	jsonLines := 0
	var textParts, thinkingParts []string

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		obj := gjson.Parse(line)
		if !obj.IsObject() {
			continue
		}
		jsonLines++

		switch obj.Get("type").String() {
		case "thinking", "reasoning":
			if t := eventText(obj); t != "" {
				thinkingParts = append(thinkingParts, t)
			}
		case "tool_use", "tool_call", "tool_result", "function_call":
			// Tool invocation metadata: not part of the answer.
		default:
			if t := eventText(obj); t != "" {
				textParts = append(textParts, t)
			}
		}
	}

	// Only trust the JSON route when the output is predominantly JSON lines.
	if jsonLines == 0 || jsonLines*2 < countNonEmpty(lines) {
		return "", "", false
	}
	return strings.Join(textParts, ""), strings.Join(thinkingParts, ""), true
}

// eventText pulls the text payload of one JSON event, trying the flat and
// nested locations used by the CLIs in the wild.
func eventText(obj gjson.Result) string {
	for _, path := range []string{"text", "part.text", "content", "delta.text", "message.content"} {
		if v := obj.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// extractThinking splits reasoning blocks out of plain-text output.
func extractThinking(s string) (text, thinking string) {
	var thoughts []string
	for _, m := range thinkingMarkers {
		for {
			start := strings.Index(s, m[0])
			if start < 0 {
				break
			}
			end := strings.Index(s[start:], m[1])
			if end < 0 {
				break
			}
			end += start
			thoughts = append(thoughts, strings.TrimSpace(s[start+len(m[0]):end]))
			s = s[:start] + s[end+len(m[1]):]
		}
	}
	return strings.TrimSpace(s), strings.Join(thoughts, "\n")
}

func isBannerLine(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	for _, p := range bannerPrefixes {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

func countNonEmpty(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
