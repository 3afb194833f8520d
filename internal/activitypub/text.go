package activitypub

import (
	"strings"

	"golang.org/x/net/html"
)

// HTMLToText converts a remote Note's HTML content field to plain text,
// using the tokenizer so that entity references -- named (&amp;), decimal
// (&#60;), hexadecimal (&#x3C;) -- decode correctly. <script>/<style>
// content is discarded entirely; block-level tags become paragraph breaks.
// Used to run the content-reject filter against legible text instead of raw
// markup, since filter_reject.txt patterns are authored against prose.
func HTMLToText(h string) string {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	skipContent := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				sb.WriteString(html.UnescapeString(string(z.Raw())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = true
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = false
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
