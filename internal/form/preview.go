package form

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"

	"boardline/internal/domain"
)

var previewConverter = func() *md.Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return c
}()

// Preview renders a node's value as plain text for terminal output. Rich
// text is converted from HTML to Markdown.
func Preview(n *Node) string {
	if n == nil || n.Value == nil {
		return ""
	}
	if tw, ok := n.Widget.(TextWidget); ok && tw.Rich {
		s := domain.Stringify(n.Value)
		out, err := previewConverter.ConvertString(s)
		if err != nil {
			return s
		}
		return strings.TrimSpace(out)
	}
	switch v := n.Value.(type) {
	case []map[string]any:
		return pluralRows(len(v))
	case []any:
		if n.Type == domain.FieldTable {
			return pluralRows(len(v))
		}
	}
	return domain.Stringify(n.Value)
}

func pluralRows(n int) string {
	if n == 1 {
		return "1 row"
	}
	return domain.Stringify(n) + " rows"
}
