package llm

import (
	"regexp"
	"strings"
)

// Several short segments travel in one model call, joined by a separator line
// the translation prompt instructs the model to preserve.
const (
	batchSeparator     = "-----"
	batchSeparatorLine = "\n" + batchSeparator + "\n"
)

// Models are sloppy about dash counts; accept any run of three or more.
var separatorRe = regexp.MustCompile(`(?m)^[ \t]*-{3,}[ \t]*$`)

// JoinBatch joins segment texts into one translatable payload.
func JoinBatch(texts []string) string {
	return strings.Join(texts, batchSeparatorLine)
}

// SplitBatch splits a model reply back into per-segment texts. ok is false
// when the reply does not contain exactly n parts; the caller falls back to
// translating segments one by one.
func SplitBatch(reply string, n int) ([]string, bool) {
	parts := separatorRe.Split(reply, -1)
	if len(parts) != n {
		return nil, false
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts, true
}
