// Package render turns step templates into the HTML and plain-text parts
// of an outgoing email.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cadencehq/cadence/internal/db"
)

// firstNameFallback is substituted for {{first_name}} when the
// subscriber has no name on file.
const firstNameFallback = "there"

// Email is a fully rendered message body ready for the transport.
type Email struct {
	Subject string
	HTML    string
	Text    string
}

var (
	brTag      = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseTag  = regexp.MustCompile(`(?i)</p>`)
	anyTag     = regexp.MustCompile(`<[^>]*>`)
	manyBlanks = regexp.MustCompile(`\n{3,}`)
)

// Step renders a step's subject and body for one subscriber,
// substituting the {{first_name}}, {{email}} and {{subscriber_id}}
// tokens into both templates.
func Step(step *db.Step, sub *db.Subscriber) *Email {
	subject := Substitute(step.Subject, sub)
	body := Substitute(step.Body, sub)

	return &Email{
		Subject: subject,
		HTML:    htmlEnvelope(body),
		Text:    TextFromHTML(body),
	}
}

// Substitute replaces the supported tokens in a template. A missing or
// empty first name falls back to a generic greeting.
func Substitute(template string, sub *db.Subscriber) string {
	firstName := firstNameFallback
	if sub.FirstName != nil && *sub.FirstName != "" {
		firstName = *sub.FirstName
	}

	replacer := strings.NewReplacer(
		"{{first_name}}", firstName,
		"{{email}}", sub.Email,
		"{{subscriber_id}}", sub.ID.String(),
	)
	return replacer.Replace(template)
}

// htmlEnvelope wraps a body in a minimal HTML document.
func htmlEnvelope(body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body>
%s
</body>
</html>`, body)
}

// TextFromHTML derives the plain-text part from an HTML body: <br>
// becomes a newline, </p> a paragraph break, every other tag is dropped
// and runs of three or more newlines collapse to two.
func TextFromHTML(body string) string {
	text := brTag.ReplaceAllString(body, "\n")
	text = pCloseTag.ReplaceAllString(text, "\n\n")
	text = anyTag.ReplaceAllString(text, "")
	text = manyBlanks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
