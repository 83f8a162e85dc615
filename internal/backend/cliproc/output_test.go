package cliproc

import "testing"

func TestCleanOutputBannerStripping(t *testing.T) {
	t.Parallel()

	raw := "workdir: /tmp/project\nmodel: test-v1\ntokens used: 123\nThe answer is 42.\n"
	text, thinking := cleanOutput(raw)
	if text != "The answer is 42." {
		t.Errorf("text = %q", text)
	}
	if thinking != "" {
		t.Errorf("thinking = %q, want empty", thinking)
	}
}

func TestCleanOutputThinkingBlocks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, raw, wantText, wantThinking string
	}{
		{
			name:         "xml tags",
			raw:          "<thinking>considering options</thinking>The answer.",
			wantText:     "The answer.",
			wantThinking: "considering options",
		},
		{
			name:         "bracket tags",
			raw:          "[Thinking]step one[/Thinking]Done.",
			wantText:     "Done.",
			wantThinking: "step one",
		},
		{
			name:         "ant tags",
			raw:          "prefix <antThinking>hidden</antThinking> suffix",
			wantText:     "prefix  suffix",
			wantThinking: "hidden",
		},
		{
			name:     "unterminated block kept verbatim",
			raw:      "<thinking>never closed",
			wantText: "<thinking>never closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, thinking := cleanOutput(tt.raw)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if thinking != tt.wantThinking {
				t.Errorf("thinking = %q, want %q", thinking, tt.wantThinking)
			}
		})
	}
}

func TestCleanOutputJSONEvents(t *testing.T) {
	t.Parallel()

	raw := `{"type":"message","text":"Hello "}
{"type":"message","part":{"text":"world"}}
{"type":"thinking","text":"let me think"}
{"type":"tool_use","name":"search","input":{"q":"x"}}
{"type":"message","text":"!"}`

	text, thinking := cleanOutput(raw)
	if text != "Hello world!" {
		t.Errorf("text = %q", text)
	}
	if thinking != "let me think" {
		t.Errorf("thinking = %q", thinking)
	}
}

func TestCleanOutputMostlyPlainTextIgnoresStrayJSON(t *testing.T) {
	t.Parallel()

	raw := "First line of prose.\nSecond line.\nThird line here.\n{\"type\":\"message\",\"text\":\"stray\"}"
	text, _ := cleanOutput(raw)
	if text == "stray" {
		t.Error("stray JSON line should not hijack plain-text output")
	}
}

func TestCleanOutputEmpty(t *testing.T) {
	t.Parallel()

	if text, thinking := cleanOutput("  \n \n"); text != "" || thinking != "" {
		t.Errorf("got (%q, %q), want empty", text, thinking)
	}
}
