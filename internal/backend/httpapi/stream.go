package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/backend/sseutil"
)

// ExecuteStream runs a streaming completion over SSE. The Gemini dialect has
// no SSE path in the core; callers fall back to buffered execution.
func (b *Backend) ExecuteStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error) {
	if b.dialect == DialectGemini {
		return nil, backend.ErrStreamingUnsupported
	}

	resp, err := b.do(ctx, req.Message, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, backend.ParseAPIError(b.name, resp)
	}

	ch := make(chan gateway.Chunk, 8)
	if b.dialect == DialectAnthropic {
		go b.readAnthropicStream(ctx, resp.Body, ch)
	} else {
		go b.readOpenAIStream(ctx, resp.Body, ch)
	}
	return ch, nil
}

// readOpenAIStream parses `data: {json}` frames, terminated by `data: [DONE]`.
func (b *Backend) readOpenAIStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.Chunk) {
	defer close(ch)
	defer body.Close()

	index := 0
	tokens := 0
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		if t := gjson.Get(data, "usage.total_tokens"); t.Exists() {
			tokens = int(t.Int())
		}
		content := gjson.Get(data, "choices.0.delta.content").String()
		if content == "" {
			continue
		}
		if !send(ctx, ch, gateway.Chunk{Content: content, Index: index, Provider: b.name}) {
			return
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, gateway.Chunk{Index: index, Final: true, Provider: b.name, Err: err})
		return
	}
	send(ctx, ch, gateway.Chunk{Index: index, Final: true, Tokens: tokens, Provider: b.name})
}

// readAnthropicStream parses the Anthropic event stream: content_block_delta
// events with text_delta payloads carry content; message_stop terminates.
func (b *Backend) readAnthropicStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.Chunk) {
	defer close(ch)
	defer body.Close()

	index := 0
	tokens := 0
	var event string
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		ev, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
			continue
		}
		if data == "" {
			continue
		}

		switch event {
		case "content_block_delta":
			delta := gjson.Get(data, "delta")
			if delta.Get("type").String() != "text_delta" {
				continue
			}
			text := delta.Get("text").String()
			if text == "" {
				continue
			}
			if !send(ctx, ch, gateway.Chunk{Content: text, Index: index, Provider: b.name}) {
				return
			}
			index++
		case "message_start":
			tokens += int(gjson.Get(data, "message.usage.input_tokens").Int())
		case "message_delta":
			tokens += int(gjson.Get(data, "usage.output_tokens").Int())
		case "message_stop":
			send(ctx, ch, gateway.Chunk{Index: index, Final: true, Tokens: tokens, Provider: b.name})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, gateway.Chunk{Index: index, Final: true, Provider: b.name, Err: err})
		return
	}
	// Upstream closed without message_stop; still deliver a terminal chunk.
	send(ctx, ch, gateway.Chunk{Index: index, Final: true, Tokens: tokens, Provider: b.name})
}

// send delivers c unless the context is cancelled first.
func send(ctx context.Context, ch chan<- gateway.Chunk, c gateway.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
