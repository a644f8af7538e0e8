// Package segment splits message bodies into token-bounded chunks used as
// translation and summarization inputs.
package segment

import (
	"iter"
	"strings"
	"unicode/utf8"
)

// bytesPerToken is a deliberately cheap estimate. Exactness does not matter
// for chunk sizing, only monotonicity: longer text never yields a smaller
// estimate.
const bytesPerToken = 4

// Segment is one contiguous slice of extracted text. Key is the byte offset
// of the slice in the source document and is unique within one segmentation.
type Segment struct {
	Key    int
	Text   string
	Tokens int
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// Split yields segments whose concatenation reconstructs text exactly. Cuts
// prefer paragraph breaks, then line breaks, then the whitespace nearest the
// budget; a single word longer than the whole budget is the only case cut
// mid-word. The sequence is lazy and finite; empty input yields nothing.
func Split(text string, budget int) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if text == "" {
			return
		}
		if budget <= 0 {
			budget = 1
		}
		window := budget * bytesPerToken
		off := 0
		for off < len(text) {
			end := cut(text, off, window)
			chunk := text[off:end]
			if !yield(Segment{Key: off, Text: chunk, Tokens: EstimateTokens(chunk)}) {
				return
			}
			off = end
		}
	}
}

// SplitAll collects Split into a slice.
func SplitAll(text string, budget int) []Segment {
	var out []Segment
	for seg := range Split(text, budget) {
		out = append(out, seg)
	}
	return out
}

// cut returns the end offset of the chunk starting at off, at most window
// bytes long, landing on the best boundary available inside the window.
func cut(text string, off, window int) int {
	rest := text[off:]
	if len(rest) <= window {
		return len(text)
	}
	slice := rest[:window]

	if i := strings.LastIndex(slice, "\n\n"); i > 0 {
		return off + i + 2
	}
	if i := strings.LastIndexByte(slice, '\n'); i > 0 {
		return off + i + 1
	}
	if i := strings.LastIndexAny(slice, " \t"); i > 0 {
		return off + i + 1
	}

	// One atomic word exceeds the window; cut at the window but never inside
	// a multi-byte rune.
	end := off + window
	for end > off && !utf8.RuneStart(text[end]) {
		end--
	}
	if end == off {
		end = off + window
	}
	return end
}
