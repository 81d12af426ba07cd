package agent

import "testing"

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		content any
		want    string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"bytes", []byte("raw"), "raw"},
		{"map", map[string]any{"a": 1}, `{"a":1}`},
		{"number", 42, "42"},
		{"slice", []string{"x", "y"}, `["x","y"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Chunk{Content: tt.content}
			if got := c.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}

	var nilChunk *Chunk
	if got := nilChunk.Text(); got != "" {
		t.Errorf("nil Chunk Text() = %q, want empty", got)
	}
}

func TestChunkSameBlock(t *testing.T) {
	a := &Chunk{Role: RoleAssistant, Type: TypeCode, Format: "python"}
	b := &Chunk{Role: RoleAssistant, Type: TypeCode, Format: "python", Content: "x"}
	c := &Chunk{Role: RoleComputer, Type: TypeConsole, Format: "output"}

	if !b.SameBlock(a) {
		t.Error("chunks with same role/type/format should share a block")
	}
	if c.SameBlock(a) {
		t.Error("console output should not continue a code block")
	}
	if a.SameBlock(nil) {
		t.Error("SameBlock(nil) should be false")
	}
}

func TestSuppressed(t *testing.T) {
	preds := []ContentPredicate{
		HasPrefix(OpenInterpreterPlaceholders...),
		Equals("undefined"),
		nil,
	}

	tests := []struct {
		content string
		want    bool
	}{
		{"[object Object]", true},
		{"[object Object] trailing", true},
		{"null", true},
		{"nullable types", true},
		{"undefined", true},
		{"undefined behaviour", false},
		{"Hello", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Suppressed(preds, tt.content); got != tt.want {
			t.Errorf("Suppressed(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}

	if HasPrefix("")("anything") {
		t.Error("empty prefix must not match everything")
	}
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	msg := func(content any, start, end bool) *Chunk {
		return &Chunk{Role: RoleAssistant, Type: TypeMessage, Content: content, Start: start, End: end}
	}

	steps := []struct {
		in   *Chunk
		want string // "" means no output
	}{
		{msg(nil, true, false), ""},
		{msg("Hel", false, false), "Hel"},
		{msg("lo", false, false), "Hello"},
		{msg(nil, false, true), ""},
		{msg("New", false, false), "New"},
		{&Chunk{Role: RoleComputer, Type: TypeConsole, Content: "out"}, "out"},
		{&Chunk{Role: RoleComputer, Type: TypeConsole, Content: "put", End: true}, "output"},
		{&Chunk{Role: RoleComputer, Type: TypeConsole, Content: "next"}, "next"},
	}

	for i, step := range steps {
		got := acc.Merge(step.in)
		switch {
		case step.want == "" && got != nil:
			t.Errorf("step %d: Merge() = %q, want nil", i, got.Text())
		case step.want != "" && (got == nil || got.Text() != step.want):
			t.Errorf("step %d: Merge() = %v, want %q", i, got, step.want)
		}
	}

	structured := &Chunk{Content: map[string]any{"k": "v"}}
	if got := acc.Merge(structured); got != structured {
		t.Error("structured content should pass through unchanged")
	}
}
