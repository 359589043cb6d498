package converter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is WhatsApp's per-message character limit.
const DefaultMaxLength = 4096

// Every pattern below anchors on markup characters (`*_~#>|[]()`) and never
// matches a bare digit, `$` or `%`.
var (
	fenceRe       = regexp.MustCompile("(?s)```[A-Za-z0-9_+.-]*[ \t]*\n?(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`\n]+)`")
	imageRe       = regexp.MustCompile(`!\[([^\]\n]*)\]\(([^)\s]*)[^)\n]*\)`)
	linkRe        = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)(?:\s+"[^"\n]*")?\)`)
	headingRe     = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	blockquoteRe  = regexp.MustCompile(`(?m)^[ \t]{0,3}(?:>[ \t]?)+`)
	ruleRe        = regexp.MustCompile(`(?m)^[ \t]*(?:-[ \t]*){3,}$|^[ \t]*(?:\*[ \t]*){3,}$|^[ \t]*(?:_[ \t]*){3,}$`)
	tableSepRe    = regexp.MustCompile(`(?m)^[ \t]*\|?[ \t]*:?-{3,}:?[ \t]*(?:\|[ \t]*:?-{3,}:?[ \t]*)+\|?[ \t]*$`)
	boldStarRe    = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUnderRe   = regexp.MustCompile(`__([^_\n]+?)__`)
	italicStarRe  = regexp.MustCompile(`(^|[^\w*])\*([^\s*](?:[^*\n]*[^\s*])?)\*([^\w*]|$)`)
	italicUnderRe = regexp.MustCompile(`(^|[^\w_])_([^\s_](?:[^_\n]*[^\s_])?)_([^\w_]|$)`)
	strikeRe      = regexp.MustCompile(`~~([^~\n]+?)~~`)
	underlineRe   = regexp.MustCompile(`(?i)</?u>`)
	bulletRe      = regexp.MustCompile(`(?m)^([ \t]*)[*+][ \t]+`)
	innerSpaceRe  = regexp.MustCompile(`(\S)[ \t]{2,}`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// FormatPlainText strips markdown from text while leaving numbers, currency
// amounts and percentages exactly as written.
func FormatPlainText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	// Fence bodies and link targets are restored verbatim after the other
	// rules ran.
	var blocks []string
	hold := func(s string) string {
		blocks = append(blocks, s)
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	}
	text = fenceRe.ReplaceAllStringFunc(text, func(m string) string {
		return hold(strings.TrimRight(fenceRe.FindStringSubmatch(m)[1], "\n"))
	})

	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = imageRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := imageRe.FindStringSubmatch(m)
		return labelURL(sub[1], sub[2], hold)
	})
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		return labelURL(sub[1], sub[2], hold)
	})
	text = tableSepRe.ReplaceAllString(text, "")
	text = ruleRe.ReplaceAllString(text, "")
	text = headingRe.ReplaceAllString(text, "")
	text = blockquoteRe.ReplaceAllString(text, "")
	text = stripTablePipes(text)
	text = bulletRe.ReplaceAllString(text, "$1- ")

	text = boldStarRe.ReplaceAllString(text, "$1")
	text = boldUnderRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = underlineRe.ReplaceAllString(text, "")
	// Italic patterns share boundary characters between neighbours, so a
	// second pass picks up adjacent spans.
	for i := 0; i < 2; i++ {
		text = italicStarRe.ReplaceAllString(text, "$1$2$3")
		text = italicUnderRe.ReplaceAllString(text, "$1$2$3")
	}

	text = normalizeWhitespace(text)

	for i, b := range blocks {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), b, 1)
	}
	return strings.TrimSpace(text)
}

// labelURL renders a markdown link as `label (url)`, or just one of the two
// when the other is empty or they are the same.
func labelURL(label, url string, hold func(string) string) string {
	switch {
	case url == "":
		return label
	case label == "" || label == url:
		return hold(url)
	default:
		return label + " (" + hold(url) + ")"
	}
}

// stripTablePipes turns `| a | b |` rows into `a - b`.
func stripTablePipes(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || strings.Count(trimmed, "|") < 2 {
			continue
		}
		cells := strings.Split(strings.Trim(trimmed, "|"), "|")
		out := cells[:0]
		for _, c := range cells {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
		lines[i] = strings.Join(out, " - ")
	}
	return strings.Join(lines, "\n")
}

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.ReplaceAll(line, "\t", "    ")
		line = innerSpaceRe.ReplaceAllString(line, "$1 ")
		lines[i] = strings.TrimRight(line, " ")
	}
	return blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

// SplitLongMessage packs whole lines greedily into parts of at most
// maxLength characters. A line longer than maxLength on its own is cut at
// rune boundaries; no other line is ever broken.
func SplitLongMessage(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxLength {
		return []string{text}
	}

	var (
		parts  []string
		cur    strings.Builder
		curLen int
		open   bool
	)
	flush := func() {
		if open {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
			open = false
		}
	}

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if n > maxLength {
			flush()
			parts = append(parts, hardCut(line, maxLength)...)
			continue
		}
		need := n
		if open {
			need++
		}
		if open && curLen+need > maxLength {
			flush()
			need = n
		}
		if open {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		curLen += need
		open = true
	}
	flush()
	return parts
}

func hardCut(line string, max int) []string {
	var out []string
	runes := []rune(line)
	for len(runes) > max {
		out = append(out, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
