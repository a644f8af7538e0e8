// Package inject rewrites HTML message bodies with translated text without
// breaking the document's markup. It supports three strategies: immersion
// (translated clone appended after each text block), inplace (translation
// appended inside the original text node) and strict-line (a translated line
// injected after every source line).
package inject

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

type Strategy string

const (
	StrategyImmersion  Strategy = "immersion"
	StrategyInplace    Strategy = "inplace"
	StrategyStrictLine Strategy = "strict-line"
)

// ParseStrategy maps a config value to a Strategy, defaulting to immersion.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyInplace:
		return StrategyInplace
	case StrategyStrictLine:
		return StrategyStrictLine
	default:
		return StrategyImmersion
	}
}

// injectedStyle keeps translated lines legible across mail clients.
const injectedStyle = "color:#0B6; margin-top:4px; display:block; line-height:1.45; font-size:0.95em;" +
	"word-break:break-word; white-space:normal;"

// inplaceSeparator sits between the original text and its translation.
const inplaceSeparator = " "

// Options tune which leaves are eligible.
type Options struct {
	// TranslateProtected includes the text of links, inline code and
	// preformatted blocks in the surrounding block's translation unit.
	// The protected node itself is never rewritten either way.
	TranslateProtected bool
}

// StyleInliner is the optional CSS-inlining collaborator. Failures are never
// fatal; the caller falls back to the original markup.
type StyleInliner interface {
	Inline(markup string) (string, error)
}

// Leaf is one translatable unit with its position key. Keys are assigned by a
// deterministic walk, so the same markup always yields the same keys.
type Leaf struct {
	Key  int
	Text string
}

// Stats counts leaves for diagnostics; it carries no behavioral weight.
type Stats struct {
	Translated int
	Skipped    int
}

// Document is a captured message body. Render works on a fresh parse of the
// markup rather than a shared tree, so strategies can be tested by pure
// input/output comparison.
type Document struct {
	markup string
}

type Engine struct {
	strategy Strategy
	opts     Options
	inliner  StyleInliner
}

func New(strategy Strategy, opts Options, inliner StyleInliner) *Engine {
	return &Engine{strategy: strategy, opts: opts, inliner: inliner}
}

// InlineStyles runs the style-inliner collaborator over markup. Any failure
// degrades to the original markup unmodified; a styling failure must never
// cost a translation delivery.
func (e *Engine) InlineStyles(markup string) string {
	if e.inliner == nil {
		return markup
	}
	inlined, err := e.inliner.Inline(markup)
	if err != nil || strings.TrimSpace(inlined) == "" {
		return markup
	}
	return inlined
}

// Extract parses markup and returns the translatable leaves for the engine's
// strategy. Leaf text is trimmed; whitespace placement is restored by Render.
func (e *Engine) Extract(markup string) (*Document, []Leaf, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing message body: %w", err)
	}
	doc := &Document{markup: markup}
	leaves := e.walk(root, nil)
	return doc, leaves, nil
}

// Render produces a new document in which every leaf with a translation
// carries it per the strategy. Leaves without a translation (failed segments)
// are left untouched; that is not an engine failure.
func (e *Engine) Render(doc *Document, translations map[int]string) (string, Stats, error) {
	root, err := html.Parse(strings.NewReader(doc.markup))
	if err != nil {
		return "", Stats{}, fmt.Errorf("re-parsing message body: %w", err)
	}

	var stats Stats
	lineRewrites := map[*html.Node]map[int]string{}
	e.walk(root, func(key int, target *html.Node, line lineRef) {
		translated, ok := translations[key]
		if !ok || strings.TrimSpace(translated) == "" {
			stats.Skipped++
			return
		}
		switch e.strategy {
		case StrategyImmersion:
			injectClone(target, translated)
		case StrategyInplace:
			injectInplace(target, translated)
		case StrategyStrictLine:
			if lineRewrites[line.node] == nil {
				lineRewrites[line.node] = map[int]string{}
			}
			lineRewrites[line.node][line.line] = translated
		}
		stats.Translated++
	})

	// Strict-line rewrites whole text nodes once all their lines are known.
	for node, byLine := range lineRewrites {
		rewriteLines(node, byLine)
	}

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", stats, fmt.Errorf("rendering message body: %w", err)
	}
	return sb.String(), stats, nil
}

// walk enumerates eligible leaves in document order. When visit is nil it
// only collects leaves; Extract and Render share it so keys always agree.
func (e *Engine) walk(root *html.Node, visit func(key int, target *html.Node, line lineRef)) []Leaf {
	var leaves []Leaf
	key := 0

	emit := func(text string, target *html.Node, line lineRef) {
		if visit != nil {
			visit(key, target, line)
		} else {
			leaves = append(leaves, Leaf{Key: key, Text: text})
		}
		key++
	}

	var descend func(n *html.Node)
	descend = func(n *html.Node) {
		if n.Type == html.ElementNode && skipSubtree(n) {
			return
		}

		switch e.strategy {
		case StrategyImmersion:
			if n.Type == html.ElementNode && isImmersionBlock(n) {
				if text, ok := immersionText(n, e.opts); ok {
					emit(text, n, lineRef{})
				}
				return // blocks are units; never descend into one
			}
		case StrategyInplace:
			if n.Type == html.TextNode && textEligible(n, e.opts) {
				emit(strings.TrimSpace(n.Data), n, lineRef{})
			}
		case StrategyStrictLine:
			if n.Type == html.TextNode && textEligible(n, e.opts) {
				for i, line := range splitLines(n.Data) {
					if strings.TrimSpace(line) == "" {
						continue
					}
					emit(strings.TrimSpace(line), n, lineRef{node: n, line: i})
				}
			}
		}

		// Siblings are snapshot before each visit: immersion inserts the
		// translated clone as the block's next sibling, and walking into it
		// would shift every later key onto freshly injected nodes.
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			descend(c)
			c = next
		}
	}
	descend(root)
	return leaves
}

// injectClone appends a translated clone of the block after the original.
// The clone keeps the block's tag but carries only the translated text, so
// protected descendants (links, code) are never duplicated.
func injectClone(block *html.Node, translated string) {
	clone := &html.Node{
		Type:     html.ElementNode,
		DataAtom: block.DataAtom,
		Data:     block.Data,
		Attr:     []html.Attribute{{Key: "style", Val: injectedStyle}},
	}
	clone.AppendChild(&html.Node{Type: html.TextNode, Data: translated})

	parent := block.Parent
	if parent == nil {
		return
	}
	if block.NextSibling != nil {
		parent.InsertBefore(clone, block.NextSibling)
	} else {
		parent.AppendChild(clone)
	}
}

// injectInplace rewrites the text node to "original translated", preserving
// the node's surrounding whitespace so sibling markup keeps its spacing.
func injectInplace(textNode *html.Node, translated string) {
	core := strings.TrimRight(textNode.Data, " \t\r\n")
	trailing := textNode.Data[len(core):]
	leading := core[:len(core)-len(strings.TrimLeft(core, " \t\r\n"))]
	core = core[len(leading):]
	if core == "" {
		return
	}
	textNode.Data = leading + core + inplaceSeparator + translated + trailing
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
