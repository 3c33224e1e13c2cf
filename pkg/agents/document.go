package agents

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
)

var (
	htmlTagPattern      = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]+>`)
	markdownLinePattern = regexp.MustCompile(`^\s*(#{1,6}\s+|[-*+]\s+|\d+[.)]\s+|>\s*)`)
	markdownInline      = regexp.MustCompile("[*_`]+")
)

type documentParser struct{}

func newDocumentParser(*registry.Env) (registry.Agent, error) {
	return documentParser{}, nil
}

func (documentParser) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	if err := env.Progress(5, "parsing document"); err != nil {
		return err
	}

	format := stringField(data, "format")
	if format == "" {
		format = detectFormat(stringField(data, "filename"))
	}
	text := normalizeDocument(stringField(data, "content"), format)
	if text == "" {
		return env.Fail(bus.ErrorKindValidation, "document has no readable text")
	}

	lines := strings.Count(text, "\n") + 1
	if err := env.Info(fmt.Sprintf("parsed %s document, %d lines", format, lines)); err != nil {
		return err
	}

	return env.Forward(TopicRequirementAnalyzer, map[string]any{
		"text":     text,
		"source":   "document",
		"filename": stringField(data, "filename"),
	})
}

func detectFormat(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".md"), strings.HasSuffix(lower, ".markdown"):
		return "markdown"
	case strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".htm"):
		return "html"
	default:
		return "text"
	}
}

// normalizeDocument reduces content to plain lines of prose.
func normalizeDocument(content string, format string) string {
	switch format {
	case "html":
		content = htmlTagPattern.ReplaceAllString(content, "\n")
		content = html.UnescapeString(content)
	case "markdown":
		var b strings.Builder
		inFence := false
		for line := range strings.Lines(content) {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inFence = !inFence
				continue
			}
			if inFence {
				continue
			}
			line = markdownLinePattern.ReplaceAllString(line, "")
			b.WriteString(stripEmphasis(line))
		}
		content = b.String()
	}

	var lines []string
	for line := range strings.Lines(content) {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// stripEmphasis removes emphasis and code markers that open or close a span.
// Markers inside a word, as in user_id, are part of the text.
func stripEmphasis(line string) string {
	matches := markdownInline.FindAllStringIndex(line, -1)
	if matches == nil {
		return line
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		before, _ := utf8.DecodeLastRuneInString(line[:m[0]])
		after, _ := utf8.DecodeRuneInString(line[m[1]:])
		if isWordRune(before) && isWordRune(after) {
			continue
		}
		b.WriteString(line[last:m[0]])
		last = m[1]
	}
	b.WriteString(line[last:])
	return b.String()
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
