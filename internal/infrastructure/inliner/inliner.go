// Package inliner moves <style> rules into element style attributes so
// injected translations inherit the look of the mail they land in. Webmail
// clients strip style blocks; inline attributes survive.
package inliner

import (
	"fmt"

	"github.com/vanng822/go-premailer/premailer"
)

type Premailer struct {
	opts *premailer.Options
}

func New() *Premailer {
	opts := premailer.NewOptions()
	opts.RemoveClasses = false
	opts.KeepBangImportant = true
	return &Premailer{opts: opts}
}

// Inline returns markup with stylesheet rules applied inline. Errors are
// reported to the caller, which treats them as non-fatal.
func (p *Premailer) Inline(markup string) (string, error) {
	pre, err := premailer.NewPremailerFromString(markup, p.opts)
	if err != nil {
		return "", fmt.Errorf("preparing inliner: %w", err)
	}
	out, err := pre.Transform()
	if err != nil {
		return "", fmt.Errorf("inlining styles: %w", err)
	}
	return out, nil
}
