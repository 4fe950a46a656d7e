package template

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"regexp"
	"strings"
	texttemplate "text/template"

	"herald/internal/domain/notification"

	"github.com/k3a/html2text"
)

var _ notification.TemplateRenderer = (*Engine)(nil)

//go:embed templates
var templateFS embed.FS

const defaultSubject = "Notification"

// templateMeta holds the subject and push title for each template.
type templateMeta struct {
	Subject   string
	PushTitle string
}

// registry maps templates to their metadata.
var registry = map[notification.Template]templateMeta{
	notification.TemplateAccountVerification: {Subject: "Verify your account", PushTitle: "Account verification"},
	notification.TemplatePasswordReset:       {Subject: "Reset your password", PushTitle: "Password reset"},
	notification.TemplateGeneral:             {Subject: defaultSubject, PushTitle: defaultSubject},
}

// templateKeys are referenced by the bundled templates and always present
// in the execution data so a missing value renders empty.
var templateKeys = []string{"name", "code", "link", "message", "subject"}

var (
	styleRe      = regexp.MustCompile(`(?s)<(style|title)[^>]*>.*?</(style|title)>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Engine renders notification content from embedded templates: html/template
// for email and text/template for SMS and push.
type Engine struct {
	email *htmltemplate.Template
	sms   *texttemplate.Template
	push  *texttemplate.Template
}

// NewEngine creates a new template engine by parsing the embedded templates.
func NewEngine() (*Engine, error) {
	email, err := htmltemplate.ParseFS(templateFS, "templates/email/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing email templates: %w", err)
	}
	sms, err := texttemplate.ParseFS(templateFS, "templates/sms/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parsing sms templates: %w", err)
	}
	push, err := texttemplate.ParseFS(templateFS, "templates/push/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parsing push templates: %w", err)
	}
	return &Engine{email: email, sms: sms, push: push}, nil
}

// Render produces the content for (channel, template, data). It never fails:
// unknown templates and execution errors fall back to the default content.
func (e *Engine) Render(channel notification.Channel, tmpl notification.Template, data map[string]any) notification.RenderedContent {
	meta, known := registry[tmpl]
	if !known {
		return defaultContent(channel, data)
	}

	vars := templateData(data)
	subject := meta.Subject
	if s := stringValue(data, "subject"); s != "" {
		subject = s
	}
	vars["subject"] = subject

	var (
		out bytes.Buffer
		err error
	)
	switch channel {
	case notification.ChannelEmail:
		if err = e.email.ExecuteTemplate(&out, string(tmpl)+".html", vars); err == nil {
			html := out.String()
			return notification.RenderedContent{Subject: subject, BodyHTML: html, BodyText: stripHTML(html)}
		}
	case notification.ChannelSMS:
		if err = e.sms.ExecuteTemplate(&out, string(tmpl)+".txt", vars); err == nil {
			return notification.RenderedContent{BodyText: strings.TrimSpace(out.String())}
		}
	case notification.ChannelPush:
		if err = e.push.ExecuteTemplate(&out, string(tmpl)+".txt", vars); err == nil {
			title := meta.PushTitle
			if t := stringValue(data, "title"); t != "" {
				title = t
			}
			return notification.RenderedContent{Subject: title, BodyText: strings.TrimSpace(out.String())}
		}
	default:
		err = fmt.Errorf("unknown channel %q", channel)
	}

	slog.Warn("template render failed, using default content",
		"channel", channel,
		"template", tmpl,
		"error", err,
	)
	return defaultContent(channel, data)
}

// defaultContent is the built-in fallback: a "Notification" subject and the
// message or body value as the text.
func defaultContent(channel notification.Channel, data map[string]any) notification.RenderedContent {
	body := stringValue(data, "message")
	if body == "" {
		body = stringValue(data, "body")
	}

	switch channel {
	case notification.ChannelEmail:
		subject := stringValue(data, "subject")
		if subject == "" {
			subject = defaultSubject
		}
		return notification.RenderedContent{
			Subject:  subject,
			BodyText: body,
			BodyHTML: "<p>" + htmltemplate.HTMLEscapeString(body) + "</p>",
		}
	case notification.ChannelPush:
		title := stringValue(data, "title")
		if title == "" {
			title = defaultSubject
		}
		return notification.RenderedContent{Subject: title, BodyText: body}
	default:
		return notification.RenderedContent{BodyText: body}
	}
}

func templateData(data map[string]any) map[string]any {
	vars := make(map[string]any, len(data)+len(templateKeys))
	for _, k := range templateKeys {
		vars[k] = ""
	}
	for k, v := range data {
		if v != nil {
			vars[k] = v
		}
	}
	if stringValue(data, "message") == "" {
		vars["message"] = stringValue(data, "body")
	}
	return vars
}

func stringValue(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// stripHTML derives the plain-text part from rendered HTML on a single line.
func stripHTML(s string) string {
	text := html2text.HTML2Text(styleRe.ReplaceAllString(s, ""))
	text = strings.ReplaceAll(text, "\u00a0", " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}
