package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock is a drop-in Client for tests and the sample command. Behavior is
// overridable per call; by default it tags input so output is recognizable
// without a provider round trip.
type Mock struct {
	TranslateFunc func(ctx context.Context, text string) (string, error)
	SummarizeFunc func(ctx context.Context, text string) (string, error)

	mu             sync.Mutex
	translateCalls []string
	summarizeCalls []string
}

var _ Client = (*Mock)(nil)

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Translate(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	m.translateCalls = append(m.translateCalls, text)
	m.mu.Unlock()
	if m.TranslateFunc != nil {
		return m.TranslateFunc(ctx, text)
	}
	// Keep the batch separator protocol intact so batch splitting still works.
	lines := strings.Split(text, batchSeparatorLine)
	for i, l := range lines {
		lines[i] = "【测】" + strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n"+batchSeparator+"\n"), nil
}

func (m *Mock) Summarize(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	m.summarizeCalls = append(m.summarizeCalls, text)
	m.mu.Unlock()
	if m.SummarizeFunc != nil {
		return m.SummarizeFunc(ctx, text)
	}
	return "<h3>摘要</h3><p>【测】mock summary</p>", nil
}

func (m *Mock) TranslateCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.translateCalls...)
}

func (m *Mock) SummarizeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.summarizeCalls...)
}
