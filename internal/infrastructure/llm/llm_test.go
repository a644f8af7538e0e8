package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com", "https://api.example.com/v1"},
		{"https://api.example.com/", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://api.example.com/v1"},
		{"https://api.example.com/v1/", "https://api.example.com/v1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeBase(tt.in))
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	err := classifyTransport("translate", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, err.Kind)

	var nerr net.Error = timeoutErr{}
	err = classifyTransport("translate", fmt.Errorf("request: %w", nerr))
	assert.Equal(t, KindTimeout, err.Kind)

	err = classifyTransport("translate", errors.New("connection refused"))
	assert.Equal(t, KindTransport, err.Kind)
}

func TestErrorPredicates(t *testing.T) {
	timeout := newError(KindTimeout, "translate", errors.New("deadline"))
	transport := newError(KindTransport, "translate", errors.New("reset"))
	invalid := newError(KindInvalidResponse, "summarize", errors.New("empty choices"))

	assert.True(t, IsTimeout(timeout))
	assert.True(t, IsTransport(transport))
	assert.True(t, IsInvalidResponse(invalid))

	assert.True(t, IsRetryable(timeout))
	assert.True(t, IsRetryable(transport))
	assert.False(t, IsRetryable(invalid))
	assert.False(t, IsRetryable(errors.New("plain error")))

	wrapped := fmt.Errorf("segment 3: %w", timeout)
	assert.True(t, IsTimeout(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestBatchRoundTrip(t *testing.T) {
	texts := []string{"first segment", "second segment", "third"}
	joined := JoinBatch(texts)

	parts, ok := SplitBatch(joined, 3)
	require.True(t, ok)
	assert.Equal(t, texts, parts)
}

func TestSplitBatchToleratesDashVariants(t *testing.T) {
	reply := "第一段\n------\n第二段\n --- \n第三段"
	parts, ok := SplitBatch(reply, 3)
	require.True(t, ok)
	assert.Equal(t, []string{"第一段", "第二段", "第三段"}, parts)
}

func TestSplitBatchCountMismatch(t *testing.T) {
	_, ok := SplitBatch("only one part came back", 3)
	assert.False(t, ok)

	_, ok = SplitBatch("a\n-----\nb\n-----\nc\n-----\nd", 3)
	assert.False(t, ok)
}

func TestMockKeepsSeparatorProtocol(t *testing.T) {
	m := NewMock()
	out, err := m.Translate(context.Background(), JoinBatch([]string{"one", "two"}))
	require.NoError(t, err)

	parts, ok := SplitBatch(out, 2)
	require.True(t, ok)
	assert.Equal(t, []string{"【测】one", "【测】two"}, parts)
	assert.Len(t, m.TranslateCalls(), 1)
}
