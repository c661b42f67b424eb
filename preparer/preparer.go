// Package preparer expands a message template once per recipient.
//
// Placeholders are written as {field} or {Field Name}. A placeholder is replaced by the recipient's
// field of the same name; {email} falls back to the recipient address. Anything without a matching
// field is left as written.
package preparer

import (
	"bytes"
	"fmt"
	"html"
	"iter"
	"maps"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"bulk-mailer/models"
	"bulk-mailer/utils"
)

// Names may contain inner spaces so CSV headers like "First Name" can be used as written.
var placeholder = regexp.MustCompile(`\{[ \t]*([A-Za-z0-9_.\-]+(?: +[A-Za-z0-9_.\-]+)*)[ \t]*\}`)

type Preparer struct {
	md goldmark.Markdown
}

func New() *Preparer {
	return &Preparer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			// Template authors own the markup; raw HTML in markdown bodies is intended.
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
	}
}

// Batch is a prepared run input. Messages can be iterated any number of times and always yields
// the same messages in recipient order.
type Batch struct {
	templateName string
	subject      string
	body         string
	recipients   []models.Recipient
	attachments  []models.Attachment
}

// Prepare reads attachments and converts the body once. It fails with *models.TemplateError when
// an attachment cannot be read or the body cannot be converted.
func (p *Preparer) Prepare(tpl *models.MessageTemplate, recipients []models.Recipient) (*Batch, error) {
	body, err := p.htmlBody(tpl)
	if err != nil {
		return nil, err
	}

	attachments := make([]models.Attachment, 0, len(tpl.Attachments))
	for _, path := range tpl.Attachments {
		att, err := readAttachment(path)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, att)
	}

	return &Batch{
		templateName: tpl.Name,
		subject:      tpl.Subject,
		body:         body,
		recipients:   slices.Clone(recipients),
		attachments:  attachments,
	}, nil
}

// Render expands tpl for one recipient without reading attachments. Used for previews.
func (p *Preparer) Render(tpl *models.MessageTemplate, r models.Recipient) (models.PreparedMessage, error) {
	body, err := p.htmlBody(tpl)
	if err != nil {
		return models.PreparedMessage{}, err
	}
	b := &Batch{subject: tpl.Subject, body: body}
	return b.render(r), nil
}

func (b *Batch) TemplateName() string { return b.templateName }

func (b *Batch) Len() int { return len(b.recipients) }

func (b *Batch) Messages() iter.Seq[models.PreparedMessage] {
	return func(yield func(models.PreparedMessage) bool) {
		for _, r := range b.recipients {
			if !yield(b.render(r)) {
				return
			}
		}
	}
}

func (b *Batch) render(r models.Recipient) models.PreparedMessage {
	htmlBody := substitute(b.body, r, html.EscapeString)
	return models.PreparedMessage{
		To:          r.Address,
		Subject:     substitute(b.subject, r, nil),
		HTML:        htmlBody,
		Text:        utils.PlainText(htmlBody),
		Attachments: b.attachments,
	}
}

func (p *Preparer) htmlBody(tpl *models.MessageTemplate) (string, error) {
	switch tpl.Format {
	case "", models.FormatHTML:
		return tpl.Body, nil
	case models.FormatMarkdown:
		var buf bytes.Buffer
		if err := p.md.Convert([]byte(tpl.Body), &buf); err != nil {
			return "", &models.TemplateError{Path: tpl.Name, Err: fmt.Errorf("failed to convert markdown: %w", err)}
		}
		return buf.String(), nil
	default:
		return "", &models.TemplateError{Path: tpl.Name, Err: fmt.Errorf("unknown body format %q", tpl.Format)}
	}
}

func substitute(s string, r models.Recipient, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(s, func(token string) string {
		name := strings.TrimSpace(token[1 : len(token)-1])
		value, ok := r.Fields[name]
		if !ok && name == "email" && r.Address != "" {
			value, ok = r.Address, true
		}
		if !ok {
			return token
		}
		if escape != nil {
			return escape(value)
		}
		return value
	})
}

func readAttachment(path string) (models.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return models.Attachment{}, &models.TemplateError{Path: path, Err: err}
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = mimetype.Detect(content).String()
	}

	return models.Attachment{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Content:     content,
	}, nil
}

// Fields lists the placeholder names used by tpl, sorted and without duplicates.
func Fields(tpl *models.MessageTemplate) []string {
	set := make(map[string]struct{})
	for _, s := range []string{tpl.Subject, tpl.Body} {
		for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
			set[m[1]] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
