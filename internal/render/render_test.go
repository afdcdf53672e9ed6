package render

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/db"
)

func strPtr(s string) *string { return &s }

func TestSubstitute(t *testing.T) {
	subID := uuid.New()

	tests := []struct {
		name      string
		template  string
		firstName *string
		want      string
	}{
		{
			name:      "all_tokens",
			template:  "Hi {{first_name}}, your address is {{email}}",
			firstName: strPtr("Ada"),
			want:      "Hi Ada, your address is ada@example.com",
		},
		{
			name:      "missing_first_name_falls_back",
			template:  "Hi {{first_name}}, id={{subscriber_id}}",
			firstName: nil,
			want:      "Hi there, id=" + subID.String(),
		},
		{
			name:      "empty_first_name_falls_back",
			template:  "Hello {{first_name}}",
			firstName: strPtr(""),
			want:      "Hello there",
		},
		{
			name:      "no_tokens",
			template:  "Plain subject line",
			firstName: strPtr("Ada"),
			want:      "Plain subject line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &db.Subscriber{
				ID:        subID,
				Email:     "ada@example.com",
				FirstName: tt.firstName,
			}
			if got := Substitute(tt.template, sub); got != tt.want {
				t.Errorf("Substitute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextFromHTML(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "br_becomes_newline",
			html: "line one<br>line two<br/>line three",
			want: "line one\nline two\nline three",
		},
		{
			name: "paragraph_break",
			html: "<p>first</p><p>second</p>",
			want: "first\n\nsecond",
		},
		{
			name: "tags_stripped",
			html: `<a href="https://example.com">click</a> <strong>now</strong>`,
			want: "click now",
		},
		{
			name: "newlines_collapsed",
			html: "<p>one</p><br><p>two</p>",
			want: "one\n\ntwo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TextFromHTML(tt.html); got != tt.want {
				t.Errorf("TextFromHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStepRendersBothParts(t *testing.T) {
	step := &db.Step{
		Subject: "Welcome, {{first_name}}",
		Body:    "<p>Hi {{first_name}},</p><p>thanks for joining.</p>",
	}
	sub := &db.Subscriber{ID: uuid.New(), Email: "ada@example.com"}

	email := Step(step, sub)

	if email.Subject != "Welcome, there" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.HasPrefix(email.HTML, "<!DOCTYPE html>") {
		t.Errorf("HTML part missing envelope: %q", email.HTML)
	}
	if !strings.Contains(email.HTML, "<p>Hi there,</p>") {
		t.Errorf("HTML part missing rendered body: %q", email.HTML)
	}
	if email.Text != "Hi there,\n\nthanks for joining." {
		t.Errorf("text part = %q", email.Text)
	}
}
