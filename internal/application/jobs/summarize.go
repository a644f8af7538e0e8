package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sethvargo/go-retry"

	"mailbot/internal/infrastructure/config"
	"mailbot/internal/infrastructure/imapmail"
	"mailbot/internal/infrastructure/llm"
	"mailbot/internal/pipeline/dispatch"
	"mailbot/internal/pipeline/segment"
	"mailbot/internal/shared/biztime"
	"mailbot/internal/shared/logger"
)

// SummarizeJob condenses the unread messages of a folder into one digest
// mail. Sources are marked seen only after the digest is stored, so a failed
// run retries the same batch.
type SummarizeJob struct {
	dial      DialFunc
	client    llm.Client
	disp      *dispatch.Dispatcher
	cfg       *config.Config
	sanitizer *bluemonday.Policy
	log       logger.Interface
}

func NewSummarizeJob(dial DialFunc, client llm.Client, disp *dispatch.Dispatcher,
	cfg *config.Config, log logger.Interface) *SummarizeJob {
	return &SummarizeJob{
		dial:      dial,
		client:    client,
		disp:      disp,
		cfg:       cfg,
		sanitizer: bluemonday.UGCPolicy(),
		log:       log.Named("summarize"),
	}
}

// Run digests every configured folder once.
func (s *SummarizeJob) Run(ctx context.Context) error {
	return s.run(ctx, folderPaths(s.cfg.Summarize.Folders))
}

// RunFolder digests a single folder, used by the CLI.
func (s *SummarizeJob) RunFolder(ctx context.Context, folder string) error {
	return s.run(ctx, []string{folderPath(folder)})
}

func (s *SummarizeJob) run(ctx context.Context, folders []string) error {
	if len(folders) == 0 {
		s.log.Infow("no summarize folders configured")
		return nil
	}
	sess, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("summarize run: %w", err)
	}
	defer sess.Close()

	var failed int
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.digestFolder(ctx, sess, folder); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Errorw("folder digest failed", "folder", folder, "error", err)
			failed++
		}
	}
	if failed == len(folders) {
		return fmt.Errorf("all %d folder digests failed", failed)
	}
	return nil
}

func (s *SummarizeJob) digestFolder(ctx context.Context, sess Mailbox, folder string) error {
	rules := scanRules{
		skipPrefixes: s.cfg.Prefix.All(),
		limit:        s.cfg.Summarize.BatchSize,
	}
	if folder != "INBOX" {
		if err := sess.EnsureFolder(folder); err != nil {
			return err
		}
	}
	envs, err := sess.ListUnread(folder)
	if err != nil {
		return err
	}
	picked := rules.pick(folder, envs)
	if len(picked) == 0 {
		s.log.Infow("nothing to digest", "folder", folder)
		return nil
	}

	sections := make([]string, 0, len(picked))
	for _, env := range picked {
		msg, err := sess.Fetch(folder, env.UID)
		if err != nil {
			return err
		}
		sections = append(sections, sourceSection(msg))
	}

	summary, err := s.summarize(ctx, strings.Join(sections, "\n\n-----\n\n"))
	if err != nil {
		return err
	}

	raw, messageID, err := imapmail.Compose(imapmail.Reply{
		Account:       s.cfg.IMAP.Email,
		SubjectPrefix: s.cfg.Prefix.Summarize,
		Source: imapmail.Envelope{
			Subject:   s.digestSubject(folder, len(picked)),
			MessageID: picked[0].MessageID,
		},
		HTML: "<html><body>" + summary + "</body></html>",
	})
	if err != nil {
		return err
	}
	if err := sess.Append(folder, raw, messageID); err != nil {
		return err
	}

	for _, env := range picked {
		if err := sess.MarkSeen(folder, env.UID); err != nil {
			return fmt.Errorf("marking source seen: %w", err)
		}
	}
	s.log.Infow("digest stored", "folder", folder, "sources", len(picked))
	return nil
}

// summarize chunks the combined text to the token budget, summarizes each
// chunk through the dispatcher and stitches the sanitized parts together.
func (s *SummarizeJob) summarize(ctx context.Context, text string) (string, error) {
	segs := segment.SplitAll(text, s.cfg.Summarize.ChunkTokens)
	if len(segs) == 0 {
		return "", fmt.Errorf("empty digest input")
	}

	tasks := make([]dispatch.Task, 0, len(segs))
	for _, seg := range segs {
		tasks = append(tasks, dispatch.Task{Key: seg.Key, Text: seg.Text, Tokens: seg.Tokens})
	}
	out, err := s.disp.Run(ctx, tasks, s.callSummarize)
	if err != nil {
		return "", err
	}
	if len(out.Texts) == 0 {
		return "", fmt.Errorf("all %d chunks failed", len(segs))
	}

	keys := make([]int, 0, len(out.Texts))
	for k := range out.Texts {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, s.sanitizer.Sanitize(out.Texts[k]))
	}
	return strings.Join(parts, "<hr>"), nil
}

func (s *SummarizeJob) callSummarize(ctx context.Context, text string) (string, error) {
	out, err := s.client.Summarize(ctx, text)
	if err != nil {
		if llm.IsRetryable(err) {
			return "", retry.RetryableError(err)
		}
		return "", err
	}
	return out, nil
}

func (s *SummarizeJob) digestSubject(folder string, count int) string {
	name := strings.TrimPrefix(folder, otherFolderPrefix)
	date := time.Now().In(biztime.Location()).Format("2006-01-02")
	return fmt.Sprintf("%s 未读摘要 %s (%d封)", name, date, count)
}

// sourceSection renders one message as model input. HTML is flattened to
// text; the subject line anchors each source in the digest.
func sourceSection(msg *imapmail.Message) string {
	body := msg.Text
	if msg.HTML != "" {
		body = html2text.HTML2Text(msg.HTML)
	}
	body = strings.TrimSpace(body)
	return fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", msg.Subject, msg.From, body)
}
