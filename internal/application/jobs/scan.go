package jobs

import (
	"strings"

	"mailbot/internal/infrastructure/imapmail"
)

// otherFolderPrefix is where the provider files user-created folders. The
// config lists bare names; INBOX and already-qualified names pass through.
const otherFolderPrefix = "其他文件夹/"

func folderPath(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	if strings.HasPrefix(name, otherFolderPrefix) {
		return name
	}
	return otherFolderPrefix + name
}

func folderPaths(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, folderPath(n))
	}
	return out
}

// scanRules decide which unread messages are pipeline sources.
type scanRules struct {
	// skipPrefixes marks messages the bot generated itself.
	skipPrefixes []string
	// inboxKeywords and inboxFrom gate the INBOX channel: the inbox is a
	// firehose, so only alert digests matching either rule are taken.
	inboxKeywords []string
	inboxFrom     []string
	limit         int
}

func (r scanRules) pick(folder string, envs []imapmail.Envelope) []imapmail.Envelope {
	var out []imapmail.Envelope
	for _, env := range envs {
		if r.limit > 0 && len(out) >= r.limit {
			break
		}
		if env.AutoSubmitted {
			continue
		}
		if r.isGenerated(env.Subject) {
			continue
		}
		if folder == "INBOX" && !r.inboxMatch(env) {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (r scanRules) isGenerated(subject string) bool {
	for _, p := range r.skipPrefixes {
		if p != "" && strings.HasPrefix(subject, p) {
			return true
		}
	}
	return false
}

func (r scanRules) inboxMatch(env imapmail.Envelope) bool {
	for _, from := range r.inboxFrom {
		if from != "" && strings.EqualFold(env.From, from) {
			return true
		}
	}
	for _, kw := range r.inboxKeywords {
		if kw != "" && strings.Contains(env.Subject, kw) {
			return true
		}
	}
	return false
}
