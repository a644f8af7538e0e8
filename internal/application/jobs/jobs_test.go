package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbot/internal/infrastructure/config"
	"mailbot/internal/infrastructure/imapmail"
	"mailbot/internal/infrastructure/llm"
	"mailbot/internal/pipeline/dispatch"
	"mailbot/internal/shared/logger"
)

type appended struct {
	folder    string
	raw       []byte
	messageID string
}

type fakeMailbox struct {
	mu       sync.Mutex
	unread   map[string][]imapmail.Envelope
	messages map[imap.UID]*imapmail.Message
	linked   map[string]bool // folder + "|" + sourceID
	appends  []appended
	seen     []string // folder + "|" + uid
	ensured  []string
	closed   bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		unread:   map[string][]imapmail.Envelope{},
		messages: map[imap.UID]*imapmail.Message{},
		linked:   map[string]bool{},
	}
}

func (f *fakeMailbox) dial(context.Context) (Mailbox, error) { return f, nil }

func (f *fakeMailbox) ListFolders() ([]string, error) { return nil, nil }

func (f *fakeMailbox) EnsureFolder(folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, folder)
	return nil
}

func (f *fakeMailbox) ListUnread(folder string) ([]imapmail.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[folder], nil
}

func (f *fakeMailbox) Fetch(_ string, uid imap.UID) (*imapmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return msg, nil
}

func (f *fakeMailbox) Append(folder string, raw []byte, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, appended{folder: folder, raw: raw, messageID: messageID})
	return nil
}

func (f *fakeMailbox) MarkSeen(folder string, uid imap.UID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, fmt.Sprintf("%s|%d", folder, uid))
	return nil
}

func (f *fakeMailbox) HasLinkedMessage(folder, sourceMessageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[folder+"|"+sourceMessageID], nil
}

func (f *fakeMailbox) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testConfig() *config.Config {
	return &config.Config{
		Timezone: "Asia/Shanghai",
		IMAP:     config.IMAPConfig{Email: "me@example.com"},
		Prefix:   config.PrefixConfig{Translate: "[机器翻译]", Summarize: "[机器总结]"},
		Translate: config.TranslateConfig{
			Folders:            []string{"AI"},
			MaxPerRunPerFolder: 3,
			BatchSize:          10,
			Strategy:           "immersion",
			InboxKeywords:      []string{"快讯汇总"},
			InboxFrom:          []string{"scholaralerts-noreply@google.com"},
		},
		Summarize: config.SummarizeConfig{
			Folders:     []string{"AI"},
			BatchSize:   10,
			ChunkTokens: 16000,
		},
	}
}

func testDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.NewBudget(0, 0), 8, 3, logger.NewLogger())
}

func parseAppended(t *testing.T, a appended) *mail.Reader {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(a.raw))
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })
	return mr
}

const aiFolder = otherFolderPrefix + "AI"

func seedTranslatable(f *fakeMailbox) imapmail.Envelope {
	env := imapmail.Envelope{
		UID:       7,
		Subject:   "Weekly digest",
		From:      "news@example.org",
		MessageID: "src-7@mailer",
	}
	f.unread[aiFolder] = []imapmail.Envelope{env}
	f.messages[7] = &imapmail.Message{
		Envelope: env,
		HTML:     `<html><body><p>Model releases arrived this week.</p></body></html>`,
	}
	return env
}

func TestTranslateRunStoresBilingualCopy(t *testing.T) {
	f := newFakeMailbox()
	env := seedTranslatable(f)

	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1)
	assert.Equal(t, aiFolder, f.appends[0].folder)

	mr := parseAppended(t, f.appends[0])
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "[机器翻译] Weekly digest", subject)
	assert.Equal(t, "<src-7@mailer>", mr.Header.Get(imapmail.LinkedHeader))
	assert.Equal(t, "auto-generated", mr.Header.Get("Auto-Submitted"))

	assert.Contains(t, f.seen, fmt.Sprintf("%s|%d", aiFolder, env.UID))
	assert.True(t, f.closed)
}

func TestTranslateEnsuresConfiguredFolders(t *testing.T) {
	f := newFakeMailbox()
	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	assert.Contains(t, f.ensured, aiFolder)
	assert.NotContains(t, f.ensured, "INBOX")
}

func TestTranslateSkipsAlreadyLinkedSource(t *testing.T) {
	f := newFakeMailbox()
	env := seedTranslatable(f)
	f.linked[aiFolder+"|"+env.MessageID] = true

	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, f.appends)
	assert.Contains(t, f.seen, fmt.Sprintf("%s|%d", aiFolder, env.UID))
}

func TestTranslateForceBypassesIdempotency(t *testing.T) {
	f := newFakeMailbox()
	env := seedTranslatable(f)
	f.linked[aiFolder+"|"+env.MessageID] = true

	cfg := testConfig()
	cfg.Translate.Force = true
	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), cfg, nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	assert.Len(t, f.appends, 1)
}

func TestTranslateLeavesSourceUnreadOnTotalFailure(t *testing.T) {
	f := newFakeMailbox()
	seedTranslatable(f)

	mock := llm.NewMock()
	mock.TranslateFunc = func(context.Context, string) (string, error) {
		return "", errors.New("provider rejected the request")
	}
	job := NewTranslateJob(f.dial, mock, testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()), "run survives per-message failure")

	assert.Empty(t, f.appends)
	assert.Empty(t, f.seen, "failed source must stay unread for the next run")
}

func TestTranslateFailedSegmentStaysOriginal(t *testing.T) {
	f := newFakeMailbox()
	env := imapmail.Envelope{UID: 8, Subject: "Two paragraphs", MessageID: "tp@x"}
	f.unread[aiFolder] = []imapmail.Envelope{env}
	f.messages[8] = &imapmail.Message{
		Envelope: env,
		HTML:     `<p>The first paragraph survives.</p><p>The second paragraph fails.</p>`,
	}

	cfg := testConfig()
	cfg.Translate.BatchSize = 1
	mock := llm.NewMock()
	mock.TranslateFunc = func(_ context.Context, text string) (string, error) {
		if strings.Contains(text, "second") {
			return "", errors.New("provider rejected the request")
		}
		return "【测】" + text, nil
	}
	job := NewTranslateJob(f.dial, mock, testDispatcher(), cfg, nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1, "one failed segment must not block delivery")
	assert.Contains(t, f.seen, fmt.Sprintf("%s|%d", aiFolder, env.UID))

	body := appendedBody(t, f.appends[0])
	assert.Contains(t, body, "【测】The first paragraph survives.")
	assert.Contains(t, body, "The second paragraph fails.")
	assert.NotContains(t, body, "【测】The second paragraph fails.")
}

// appendedBody decodes the first MIME part of a stored message.
func appendedBody(t *testing.T, a appended) string {
	t.Helper()
	mr := parseAppended(t, a)
	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	return string(body)
}

func TestTranslateBatchFallbackToSingles(t *testing.T) {
	f := newFakeMailbox()
	env := imapmail.Envelope{UID: 10, Subject: "Digest", MessageID: "dg@x"}
	f.unread[aiFolder] = []imapmail.Envelope{env}
	f.messages[10] = &imapmail.Message{
		Envelope: env,
		HTML:     `<p>First item of the digest.</p><p>Second item of the digest.</p>`,
	}

	mock := llm.NewMock()
	var calls int32
	mock.TranslateFunc = func(_ context.Context, text string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Batch reply that lost its separators.
			return "一段没有分隔符的译文", nil
		}
		return "【测】" + text, nil
	}
	job := NewTranslateJob(f.dial, mock, testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one batch call plus two single fallbacks")
}

func TestTranslateInboxChannelFilter(t *testing.T) {
	f := newFakeMailbox()
	alert := imapmail.Envelope{UID: 1, Subject: "AI 快讯汇总 0601", From: "other@x", MessageID: "a@x"}
	noise := imapmail.Envelope{UID: 2, Subject: "Lunch plans", From: "friend@x", MessageID: "b@x"}
	scholar := imapmail.Envelope{UID: 3, Subject: "New citations", From: "scholaralerts-noreply@google.com", MessageID: "c@x"}
	f.unread["INBOX"] = []imapmail.Envelope{alert, noise, scholar}
	for _, env := range []imapmail.Envelope{alert, noise, scholar} {
		f.messages[env.UID] = &imapmail.Message{
			Envelope: env,
			HTML:     `<p>Fresh research summaries inside.</p>`,
		}
	}

	cfg := testConfig()
	cfg.Translate.Folders = nil
	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), cfg, nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 2, "only the keyword and sender matches pass")
	assert.NotContains(t, f.seen, "INBOX|2")
}

func TestTranslateSkipsOwnOutput(t *testing.T) {
	f := newFakeMailbox()
	f.unread[aiFolder] = []imapmail.Envelope{
		{UID: 4, Subject: "[机器翻译] Old digest", MessageID: "d@x"},
		{UID: 5, Subject: "Real news", MessageID: "e@x", AutoSubmitted: true},
	}

	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), testConfig(), nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, f.appends)
	assert.Empty(t, f.seen)
}

func TestTranslatePlainTextMessage(t *testing.T) {
	f := newFakeMailbox()
	env := imapmail.Envelope{UID: 9, Subject: "Plain update", MessageID: "p@x"}
	f.unread[aiFolder] = []imapmail.Envelope{env}
	f.messages[9] = &imapmail.Message{Envelope: env, Text: "Server maintenance is planned for Friday."}

	cfg := testConfig()
	cfg.Translate.Strategy = "inplace"
	job := NewTranslateJob(f.dial, llm.NewMock(), testDispatcher(), cfg, nil, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1)
	assert.Contains(t, string(f.appends[0].raw), "Plain update")
}

func TestSummarizeStoresDigestAndMarksSources(t *testing.T) {
	f := newFakeMailbox()
	first := imapmail.Envelope{UID: 11, Subject: "Paper alert one", From: "a@x", MessageID: "s1@x"}
	second := imapmail.Envelope{UID: 12, Subject: "Paper alert two", From: "b@x", MessageID: "s2@x"}
	f.unread[aiFolder] = []imapmail.Envelope{first, second}
	f.messages[11] = &imapmail.Message{Envelope: first, HTML: "<p>Result A improves accuracy.</p>"}
	f.messages[12] = &imapmail.Message{Envelope: second, Text: "Result B reduces cost."}

	mock := llm.NewMock()
	mock.SummarizeFunc = func(_ context.Context, text string) (string, error) {
		assert.Contains(t, text, "Paper alert one")
		assert.Contains(t, text, "Result B reduces cost.")
		return `<h3>总结</h3><p>两篇论文速报。</p><script>alert(1)</script>`, nil
	}
	job := NewSummarizeJob(f.dial, mock, testDispatcher(), testConfig(), logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1)
	body := string(f.appends[0].raw)
	assert.NotContains(t, body, "<script>", "model output must be sanitized")

	mr := parseAppended(t, f.appends[0])
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Contains(t, subject, "[机器总结] AI 未读摘要")
	assert.Contains(t, subject, "(2封)")

	assert.Contains(t, f.seen, fmt.Sprintf("%s|%d", aiFolder, first.UID))
	assert.Contains(t, f.seen, fmt.Sprintf("%s|%d", aiFolder, second.UID))
}

func TestSummarizeBatchLimit(t *testing.T) {
	f := newFakeMailbox()
	for uid := imap.UID(20); uid < 25; uid++ {
		env := imapmail.Envelope{UID: uid, Subject: fmt.Sprintf("Alert %d", uid), MessageID: fmt.Sprintf("m%d@x", uid)}
		f.unread[aiFolder] = append(f.unread[aiFolder], env)
		f.messages[uid] = &imapmail.Message{Envelope: env, Text: "body"}
	}

	cfg := testConfig()
	cfg.Summarize.BatchSize = 2
	job := NewSummarizeJob(f.dial, llm.NewMock(), testDispatcher(), cfg, logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, f.appends, 1)
	assert.Len(t, f.seen, 2, "only one batch per run")
}

func TestSummarizeEmptyFolderAppendsNothing(t *testing.T) {
	f := newFakeMailbox()
	job := NewSummarizeJob(f.dial, llm.NewMock(), testDispatcher(), testConfig(), logger.NewLogger())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, f.appends)
}

func TestSummarizeFailureKeepsSourcesUnread(t *testing.T) {
	f := newFakeMailbox()
	env := imapmail.Envelope{UID: 30, Subject: "Alert", MessageID: "f@x"}
	f.unread[aiFolder] = []imapmail.Envelope{env}
	f.messages[30] = &imapmail.Message{Envelope: env, Text: "body text"}

	mock := llm.NewMock()
	mock.SummarizeFunc = func(context.Context, string) (string, error) {
		return "", errors.New("provider down")
	}
	job := NewSummarizeJob(f.dial, mock, testDispatcher(), testConfig(), logger.NewLogger())
	assert.Error(t, job.Run(context.Background()))
	assert.Empty(t, f.appends)
	assert.Empty(t, f.seen)
}

func TestFolderPath(t *testing.T) {
	assert.Equal(t, "INBOX", folderPath("inbox"))
	assert.Equal(t, "INBOX", folderPath(""))
	assert.Equal(t, otherFolderPrefix+"AI", folderPath("AI"))
	assert.Equal(t, otherFolderPrefix+"AI", folderPath(otherFolderPrefix+"AI"))
}

func TestScanRulesPick(t *testing.T) {
	rules := scanRules{skipPrefixes: []string{"[机器翻译]", "[机器总结]"}, limit: 2}
	envs := []imapmail.Envelope{
		{UID: 1, Subject: "[机器翻译] done"},
		{UID: 2, Subject: "real one"},
		{UID: 3, Subject: "auto", AutoSubmitted: true},
		{UID: 4, Subject: "real two"},
		{UID: 5, Subject: "real three"},
	}
	picked := rules.pick(aiFolder, envs)
	require.Len(t, picked, 2)
	assert.Equal(t, imap.UID(2), picked[0].UID)
	assert.Equal(t, imap.UID(4), picked[1].UID)
}
