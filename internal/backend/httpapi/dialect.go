package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Dialect selects the wire format spoken to the upstream API.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
	DialectOpenAI    Dialect = "openai"

	anthropicVersion = "2023-06-01"
)

// DetectDialect infers the wire format from the provider name and base URL.
// OpenAI-compatible is the default when nothing else matches; most
// aggregators and local servers speak it.
func DetectDialect(name, baseURL string) Dialect {
	probe := strings.ToLower(name + " " + baseURL)
	switch {
	case strings.Contains(probe, "anthropic") || strings.Contains(probe, "claude"):
		return DialectAnthropic
	case strings.Contains(probe, "gemini") || strings.Contains(probe, "googleapis"):
		return DialectGemini
	default:
		return DialectOpenAI
	}
}

// authHeader reports the credential header a dialect expects. Credentials
// ride the client's transport (cloudauth.APIKeyTransport), not the codec;
// Gemini carries its key in the query string and needs no header.
func (d Dialect) authHeader() (name, prefix string, ok bool) {
	switch d {
	case DialectAnthropic:
		return "x-api-key", "", true
	case DialectOpenAI:
		return "Authorization", "Bearer ", true
	default:
		return "", "", false
	}
}

// codec is the per-dialect payload/extraction table. Extraction failures
// yield empty text and zero tokens, never errors: a malformed upstream body
// is surfaced as an empty completion.
type codec struct {
	endpoint func(baseURL, model, apiKey string) string
	headers  func(h http.Header)
	payload  func(message, model string, maxTokens int, stream bool) ([]byte, error)
	text     func(body []byte) string
	tokens   func(body []byte) int
}

var codecs = map[Dialect]codec{
	DialectAnthropic: {
		endpoint: func(baseURL, _, _ string) string {
			return baseURL + "/messages"
		},
		headers: func(h http.Header) {
			h.Set("content-type", "application/json")
			h.Set("anthropic-version", anthropicVersion)
		},
		payload: func(message, model string, maxTokens int, stream bool) ([]byte, error) {
			return json.Marshal(map[string]any{
				"model":      model,
				"max_tokens": maxTokens,
				"messages":   []map[string]string{{"role": "user", "content": message}},
				"stream":     stream,
			})
		},
		text: func(body []byte) string {
			var sb strings.Builder
			for _, part := range gjson.GetBytes(body, "content").Array() {
				if part.Get("type").String() == "text" {
					sb.WriteString(part.Get("text").String())
				}
			}
			return sb.String()
		},
		tokens: func(body []byte) int {
			usage := gjson.GetBytes(body, "usage")
			return int(usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int())
		},
	},
	DialectGemini: {
		endpoint: func(baseURL, model, apiKey string) string {
			return fmt.Sprintf("%s/models/%s:generateContent?key=%s",
				baseURL, url.PathEscape(model), url.QueryEscape(apiKey))
		},
		headers: func(h http.Header) {
			h.Set("content-type", "application/json")
		},
		payload: func(message, _ string, maxTokens int, _ bool) ([]byte, error) {
			req := map[string]any{
				"contents": []map[string]any{
					{"parts": []map[string]string{{"text": message}}},
				},
			}
			if maxTokens > 0 {
				req["generationConfig"] = map[string]any{"maxOutputTokens": maxTokens}
			}
			return json.Marshal(req)
		},
		text: func(body []byte) string {
			var sb strings.Builder
			for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
				sb.WriteString(part.Get("text").String())
			}
			return sb.String()
		},
		tokens: func(body []byte) int {
			return int(gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int())
		},
	},
	DialectOpenAI: {
		endpoint: func(baseURL, _, _ string) string {
			return baseURL + "/chat/completions"
		},
		headers: func(h http.Header) {
			h.Set("content-type", "application/json")
		},
		payload: func(message, model string, maxTokens int, stream bool) ([]byte, error) {
			req := map[string]any{
				"model":    model,
				"messages": []map[string]string{{"role": "user", "content": message}},
				"stream":   stream,
			}
			if maxTokens > 0 {
				req["max_tokens"] = maxTokens
			}
			return json.Marshal(req)
		},
		text: func(body []byte) string {
			return gjson.GetBytes(body, "choices.0.message.content").String()
		},
		tokens: func(body []byte) int {
			return int(gjson.GetBytes(body, "usage.total_tokens").Int())
		},
	},
}
