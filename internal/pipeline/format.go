package pipeline

import (
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"automemer/internal/backlog"
	kit "automemer/internal/transport"
)

// Titles come from the source verbatim; strip any markup and escape the
// rest before they go into an HTML message.
var titlePolicy = bluemonday.StrictPolicy()

// FormatPost renders a backlog entry as a Telegram HTML message: title,
// origin and score on the first line, the content url on the second.
func FormatPost(e backlog.Entry) string {
	title := strings.TrimSpace(titlePolicy.Sanitize(e.Title))
	if title == "" {
		title = "(untitled)"
	}
	var b strings.Builder
	b.WriteString("<b>" + title + "</b>")
	if e.Source != "" {
		b.WriteString(" <i>(from /r/" + html.EscapeString(e.Source) + ")</i>")
	}
	b.WriteString(" <code>" + strconv.Itoa(e.Score) + "</code>\n")
	b.WriteString(html.EscapeString(e.URL))
	return b.String()
}

func postOptions() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML"}
}
