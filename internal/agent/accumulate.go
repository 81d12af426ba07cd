package agent

import "strings"

// Accumulator folds streamed deltas of one message block into a running
// snapshot, so every emitted chunk carries the block's text so far.
// A zero Accumulator is ready to use; it is not safe for concurrent use.
type Accumulator struct {
	block *Chunk
	text  strings.Builder
}

// Merge consumes c and returns the chunk to emit, or nil when c carries
// nothing to show (pure start/end markers).
func (a *Accumulator) Merge(c *Chunk) *Chunk {
	if c == nil {
		return nil
	}
	if c.Start || !c.SameBlock(a.block) {
		a.block = &Chunk{Role: c.Role, Type: c.Type, Format: c.Format}
		a.text.Reset()
	}
	if c.Content == nil {
		if c.End {
			a.Reset()
		}
		return nil
	}

	delta, isText := c.Content.(string)
	if !isText {
		return c
	}
	a.text.WriteString(delta)
	out := &Chunk{Role: c.Role, Type: c.Type, Format: c.Format, Content: a.text.String()}
	if c.End {
		a.Reset()
	}
	return out
}

// Reset forgets the current block
func (a *Accumulator) Reset() {
	a.block = nil
	a.text.Reset()
}
