package tokencount

import "testing"

func TestEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "short ascii", text: "hi", want: 0}, // 2/4 floors to 0
		{name: "ascii", text: "hello world!", want: 3},
		{name: "exact ascii", text: "12345678", want: 2},
		{name: "cjk only", text: "你好世界", want: 2},     // 4/1.5 = 2.66 -> 2
		{name: "three han", text: "日本語", want: 2},     // 3/1.5 = 2
		{name: "kana", text: "こんにちは", want: 3},        // 5/1.5 = 3.33 -> 3
		{name: "hangul", text: "안녕하세요", want: 3},      // 5/1.5
		{name: "mixed", text: "hello 你好", want: 2},    // 2/1.5 + 6/4 = 1.33+1.5 -> 2
		{name: "punctuation", text: "a, b, c.", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateExchange(t *testing.T) {
	t.Parallel()

	in, out := EstimateExchange("what is the answer", "the answer is 42")
	if in != 4 { // 18/4 = 4.5 -> 4
		t.Errorf("in = %d, want 4", in)
	}
	if out != 4 { // 16/4
		t.Errorf("out = %d, want 4", out)
	}
}
