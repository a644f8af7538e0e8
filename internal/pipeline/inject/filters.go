package inject

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// minBlockRunes drops fragments too short to be worth a model call.
const minBlockRunes = 6

// Tags whose subtrees never receive injected text. Links, inline code and
// preformatted blocks keep their markup byte-identical; quoted history in
// replies stays untouched.
var skipTags = map[atom.Atom]bool{
	atom.Script:     true,
	atom.Style:      true,
	atom.Head:       true,
	atom.Title:      true,
	atom.Noscript:   true,
	atom.Template:   true,
	atom.Svg:        true,
	atom.A:          true,
	atom.Code:       true,
	atom.Pre:        true,
	atom.Blockquote: true,
}

// Blocks that carry these descendants are layout scaffolding, not prose.
var layoutTags = map[atom.Atom]bool{
	atom.Table:  true,
	atom.Img:    true,
	atom.Button: true,
	atom.Form:   true,
	atom.Iframe: true,
	atom.Video:  true,
	atom.Svg:    true,
}

// Class/id fragments that mark chrome rather than content.
var chromeKeywords = []string{
	"header", "footer", "nav", "menu", "legal", "disclaimer", "social", "unsubscribe",
}

var chromeRoles = map[string]bool{
	"banner":      true,
	"navigation":  true,
	"contentinfo": true,
}

// Phrases that identify boilerplate blocks regardless of placement.
var boilerplatePhrases = []string{
	"unsubscribe",
	"privacy",
	"copyright",
	"all rights reserved",
	"terms and conditions",
}

var immersionBlocks = map[atom.Atom]bool{
	atom.P:  true,
	atom.Li: true,
	atom.H2: true,
	atom.H3: true,
}

// skipSubtree reports whether the walk must not enter n at all. Ancestry
// rules fall out of the recursion: skipping a chrome element skips everything
// under it.
func skipSubtree(n *html.Node) bool {
	if skipTags[n.DataAtom] {
		return true
	}
	if isChrome(n) {
		return true
	}
	if hasColoredBackground(n) {
		return true
	}
	return false
}

func isImmersionBlock(n *html.Node) bool {
	return immersionBlocks[n.DataAtom]
}

// immersionText aggregates a block's prose and decides whether the block is
// worth translating as a unit.
func immersionText(block *html.Node, opts Options) (string, bool) {
	if hasLayoutDescendant(block) {
		return "", false
	}
	text := strings.TrimSpace(collectText(block, opts))
	if len([]rune(text)) < minBlockRunes {
		return "", false
	}
	if isBoilerplate(text) {
		return "", false
	}
	return text, true
}

// textEligible gates individual text nodes. Structural exclusions are already
// enforced by skipSubtree during the walk.
func textEligible(n *html.Node, _ Options) bool {
	return strings.TrimSpace(n.Data) != ""
}

// lineRef addresses one line within a text node for the strict-line strategy.
type lineRef struct {
	node *html.Node
	line int
}

// rewriteLines replaces a text node with alternating original and translated
// lines, separated by <br>, wrapped in a span so the node stays one unit.
func rewriteLines(textNode *html.Node, byLine map[int]string) {
	parent := textNode.Parent
	if parent == nil {
		return
	}

	span := &html.Node{Type: html.ElementNode, DataAtom: atom.Span, Data: "span"}
	appendBr := func() {
		span.AppendChild(&html.Node{Type: html.ElementNode, DataAtom: atom.Br, Data: "br"})
	}

	lines := splitLines(textNode.Data)
	for i, line := range lines {
		if i > 0 {
			appendBr()
		}
		span.AppendChild(&html.Node{Type: html.TextNode, Data: line})
		if translated, ok := byLine[i]; ok {
			appendBr()
			span.AppendChild(&html.Node{Type: html.TextNode, Data: translated})
		}
	}

	parent.InsertBefore(span, textNode)
	parent.RemoveChild(textNode)
}

// collectText concatenates the visible text under n. Protected subtrees are
// included only when the caller opted into translating them as part of the
// surrounding unit.
func collectText(n *html.Node, opts Options) string {
	var sb strings.Builder
	var descend func(*html.Node)
	descend = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && isProtected(n) && !opts.TranslateProtected {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			descend(c)
		}
	}
	descend(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func isProtected(n *html.Node) bool {
	switch n.DataAtom {
	case atom.A, atom.Code, atom.Pre:
		return true
	}
	return false
}

func hasLayoutDescendant(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (layoutTags[c.DataAtom] || hasLayoutDescendant(c)) {
			return true
		}
		if c.Type != html.ElementNode && hasLayoutDescendant(c) {
			return true
		}
	}
	return false
}

func isChrome(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Header, atom.Footer, atom.Nav:
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "class", "id":
			val := strings.ToLower(a.Val)
			for _, kw := range chromeKeywords {
				if strings.Contains(val, kw) {
					return true
				}
			}
		case "role":
			if chromeRoles[strings.ToLower(a.Val)] {
				return true
			}
		}
	}
	return false
}

// hasColoredBackground flags button-like elements painted with a non-white
// background. Text on those is almost always a call to action, not prose.
func hasColoredBackground(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "bgcolor":
			if !isWhiteish(a.Val) {
				return true
			}
		case "style":
			style := strings.ToLower(a.Val)
			for _, decl := range strings.Split(style, ";") {
				k, v, ok := strings.Cut(decl, ":")
				if !ok {
					continue
				}
				k = strings.TrimSpace(k)
				if k != "background" && k != "background-color" {
					continue
				}
				if !isWhiteish(strings.TrimSpace(v)) {
					return true
				}
			}
		}
	}
	return false
}

func isWhiteish(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "#fff", "#ffffff", "white", "transparent", "none", "inherit", "initial":
		return true
	}
	return false
}

func isBoilerplate(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
