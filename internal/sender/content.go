package sender

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultSubject = "Message from leadez"
	maxSubjectLen  = 100
)

// Content is a message body split for delivery.
type Content struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// Render derives subject and plain text from stored message content. HTML content
// is flattened with goquery and kept alongside the text.
func Render(raw string) (Content, error) {
	var c Content
	text := strings.TrimSpace(raw)
	if looksLikeHTML(text) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
		if err != nil {
			return Content{}, err
		}
		c.HTML = text
		if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
			c.Subject = capSubject(title)
		}
		doc.Find("script,style,title").Remove()
		doc.Find("br").ReplaceWithHtml("\n")
		doc.Find("p,div,li,h1,h2,h3,tr").Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n")
		})
		text = normalizeLines(doc.Text())
	}
	lines := strings.Split(text, "\n")
	if c.Subject == "" {
		c.Subject = subjectFrom(lines[0])
	}
	if hasSubjectPrefix(lines[0]) {
		text = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}
	c.Text = text
	return c, nil
}

func looksLikeHTML(s string) bool {
	if !strings.HasPrefix(s, "<") {
		return false
	}
	lower := strings.ToLower(s)
	for _, tag := range []string{"<html", "<body", "<p", "<div", "<br", "<!doctype", "<title", "<table"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

var subjectPrefixes = []string{"Subject:", "subject:", "SUBJECT:"}

func hasSubjectPrefix(line string) bool {
	line = strings.TrimSpace(line)
	for _, p := range subjectPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func subjectFrom(line string) string {
	s := strings.TrimSpace(line)
	for _, p := range subjectPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if s == "" {
		return DefaultSubject
	}
	return capSubject(s)
}

func capSubject(s string) string {
	if utf8.RuneCountInString(s) <= maxSubjectLen {
		return s
	}
	return string([]rune(s)[:maxSubjectLen])
}

func normalizeLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
