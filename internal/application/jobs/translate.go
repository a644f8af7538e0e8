package jobs

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"mailbot/internal/infrastructure/config"
	"mailbot/internal/infrastructure/imapmail"
	"mailbot/internal/infrastructure/llm"
	"mailbot/internal/pipeline/dispatch"
	"mailbot/internal/pipeline/inject"
	"mailbot/internal/pipeline/segment"
	"mailbot/internal/shared/logger"
)

// TranslateJob renders a bilingual copy of every eligible unread message and
// stores it next to the source.
type TranslateJob struct {
	dial    DialFunc
	client  llm.Client
	disp    *dispatch.Dispatcher
	cfg     *config.Config
	inliner inject.StyleInliner
	log     logger.Interface
}

func NewTranslateJob(dial DialFunc, client llm.Client, disp *dispatch.Dispatcher,
	cfg *config.Config, inliner inject.StyleInliner, log logger.Interface) *TranslateJob {
	return &TranslateJob{
		dial:    dial,
		client:  client,
		disp:    disp,
		cfg:     cfg,
		inliner: inliner,
		log:     log.Named("translate"),
	}
}

func (t *TranslateJob) rules() scanRules {
	return scanRules{
		skipPrefixes:  t.cfg.Prefix.All(),
		inboxKeywords: t.cfg.Translate.InboxKeywords,
		inboxFrom:     t.cfg.Translate.InboxFrom,
		limit:         t.cfg.Translate.MaxPerRunPerFolder,
	}
}

// folders returns the scan list: the configured folders plus the INBOX
// alert channel, deduplicated.
func (t *TranslateJob) folders() []string {
	out := []string{"INBOX"}
	seen := map[string]bool{"INBOX": true}
	for _, f := range folderPaths(t.cfg.Translate.Folders) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func (t *TranslateJob) engine() *inject.Engine {
	return inject.New(
		inject.ParseStrategy(t.cfg.Translate.Strategy),
		inject.Options{TranslateProtected: t.cfg.Translate.TranslateProtected},
		t.inliner,
	)
}

// Run processes every folder once. Per-message failures are logged and left
// unseen for the next run; only session-level failures abort.
func (t *TranslateJob) Run(ctx context.Context) error {
	sess, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("translate run: %w", err)
	}
	defer sess.Close()

	engine := t.engine()
	rules := t.rules()

	var processed, failed int
	for _, folder := range t.folders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if folder != "INBOX" {
			// Configured folders may not exist yet on a fresh mailbox.
			if err := sess.EnsureFolder(folder); err != nil {
				t.log.Errorw("ensuring folder failed", "folder", folder, "error", err)
				failed++
				continue
			}
		}
		envs, err := sess.ListUnread(folder)
		if err != nil {
			t.log.Errorw("listing folder failed", "folder", folder, "error", err)
			failed++
			continue
		}
		for _, env := range rules.pick(folder, envs) {
			if err := t.processMessage(ctx, sess, engine, folder, env); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.log.Errorw("message left unread for next run",
					"folder", folder, "uid", env.UID, "subject", env.Subject, "error", err)
				failed++
				continue
			}
			processed++
		}
	}
	t.log.Infow("translate run finished", "processed", processed, "failed", failed)
	return nil
}

func (t *TranslateJob) processMessage(ctx context.Context, sess Mailbox,
	engine *inject.Engine, folder string, env imapmail.Envelope) error {
	if !t.cfg.Translate.Force && env.MessageID != "" {
		has, err := sess.HasLinkedMessage(folder, env.MessageID)
		if err != nil {
			return fmt.Errorf("idempotency lookup: %w", err)
		}
		if has {
			t.log.Infow("already translated, marking seen", "folder", folder, "uid", env.UID)
			return sess.MarkSeen(folder, env.UID)
		}
	}

	msg, err := sess.Fetch(folder, env.UID)
	if err != nil {
		return err
	}
	body := msg.HTML
	if body == "" && msg.Text != "" {
		body = imapmail.WrapPlainText(msg.Text)
	}
	if body == "" {
		t.log.Infow("empty body, marking seen", "folder", folder, "uid", env.UID)
		return sess.MarkSeen(folder, env.UID)
	}

	strategy := inject.ParseStrategy(t.cfg.Translate.Strategy)
	if strategy == inject.StrategyImmersion {
		body = engine.InlineStyles(body)
	}

	doc, leaves, err := engine.Extract(body)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		t.log.Infow("nothing translatable, marking seen", "folder", folder, "uid", env.UID)
		return sess.MarkSeen(folder, env.UID)
	}

	translations, err := t.translateLeaves(ctx, leaves)
	if err != nil {
		return err
	}
	if len(translations) == 0 {
		return fmt.Errorf("all %d segments failed", len(leaves))
	}

	out, stats, err := engine.Render(doc, translations)
	if err != nil {
		return err
	}
	if strategy != inject.StrategyImmersion {
		out = engine.InlineStyles(out)
	}

	raw, messageID, err := imapmail.Compose(imapmail.Reply{
		Account:       t.cfg.IMAP.Email,
		SubjectPrefix: t.cfg.Prefix.Translate,
		Source:        env,
		HTML:          out,
	})
	if err != nil {
		return err
	}
	if err := sess.Append(folder, raw, messageID); err != nil {
		return err
	}
	if err := sess.MarkSeen(folder, env.UID); err != nil {
		return err
	}

	t.log.Infow("translated message stored",
		"folder", folder, "uid", env.UID, "subject", env.Subject,
		"segments", stats.Translated, "skipped", stats.Skipped)
	return nil
}

// translateLeaves sends leaves through the dispatcher in separator-joined
// batches. A batch whose reply cannot be split back falls back to one call
// per leaf; leaves that still fail are simply absent from the result.
func (t *TranslateJob) translateLeaves(ctx context.Context, leaves []inject.Leaf) (map[int]string, error) {
	batches := batchLeaves(leaves, t.cfg.Translate.BatchSize)

	tasks := make([]dispatch.Task, 0, len(batches))
	for i, b := range batches {
		texts := make([]string, 0, len(b))
		for _, leaf := range b {
			texts = append(texts, leaf.Text)
		}
		joined := llm.JoinBatch(texts)
		tasks = append(tasks, dispatch.Task{Key: i, Text: joined, Tokens: segment.EstimateTokens(joined)})
	}

	out, err := t.disp.Run(ctx, tasks, t.callTranslate)
	if err != nil {
		return nil, err
	}

	translations := make(map[int]string)
	var singles []inject.Leaf
	for i, b := range batches {
		reply, ok := out.Texts[i]
		if !ok {
			continue
		}
		parts, ok := llm.SplitBatch(reply, len(b))
		if !ok {
			t.log.Warnw("batch reply lost its separators, retrying leaves individually",
				"batch", i, "leaves", len(b))
			singles = append(singles, b...)
			continue
		}
		for j, leaf := range b {
			translations[leaf.Key] = parts[j]
		}
	}

	if len(singles) > 0 {
		tasks = tasks[:0]
		for _, leaf := range singles {
			tasks = append(tasks, dispatch.Task{
				Key: leaf.Key, Text: leaf.Text, Tokens: segment.EstimateTokens(leaf.Text),
			})
		}
		single, err := t.disp.Run(ctx, tasks, t.callTranslate)
		if err != nil {
			return nil, err
		}
		for key, text := range single.Texts {
			translations[key] = text
		}
	}
	return translations, nil
}

func (t *TranslateJob) callTranslate(ctx context.Context, text string) (string, error) {
	out, err := t.client.Translate(ctx, text)
	if err != nil {
		if llm.IsRetryable(err) {
			return "", retry.RetryableError(err)
		}
		return "", err
	}
	return out, nil
}

func batchLeaves(leaves []inject.Leaf, size int) [][]inject.Leaf {
	if size <= 0 {
		size = 10
	}
	var out [][]inject.Leaf
	for len(leaves) > 0 {
		n := min(size, len(leaves))
		out = append(out, leaves[:n])
		leaves = leaves[n:]
	}
	return out
}
