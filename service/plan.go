package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"bulk-mailer/config"
	"bulk-mailer/models"
	"bulk-mailer/preparer"
	"bulk-mailer/recipients"
	"bulk-mailer/store"
)

// Planner turns a run request into validated RunParams. It never opens a connection, so every
// configuration or template problem surfaces before the worker starts.
type Planner struct {
	smtp      config.SMTPConfig
	delay     time.Duration
	templates *store.TemplateStore
	preparer  *preparer.Preparer
	// baseDir confines recipient files and attachments when set.
	baseDir string
}

func NewPlanner(cfg *config.Config, templates *store.TemplateStore, p *preparer.Preparer) *Planner {
	return &Planner{
		smtp:      cfg.SMTP,
		delay:     cfg.Send.Delay,
		templates: templates,
		preparer:  p,
	}
}

// WithBaseDir returns a planner that only reads recipient files and attachments inside dir.
// Relative paths are resolved against dir.
func (p *Planner) WithBaseDir(dir string) *Planner {
	c := *p
	c.baseDir = filepath.Clean(dir)
	return &c
}

// SMTP returns the configured settings with override applied.
func (p *Planner) SMTP(override *models.SMTPOverride) config.SMTPConfig {
	return p.smtp.WithOverride(override)
}

// Plan validates req and prepares its messages. Skipped counts recipients dropped as invalid.
func (p *Planner) Plan(req *models.RunRequest) (params RunParams, skipped int, err error) {
	smtpCfg := p.SMTP(req.SMTP)
	if err := smtpCfg.Validate(); err != nil {
		return RunParams{}, 0, err
	}

	delay, err := p.parseDelay(req.Delay)
	if err != nil {
		return RunParams{}, 0, err
	}

	tpl, err := p.template(req)
	if err != nil {
		return RunParams{}, 0, err
	}
	if tpl, err = p.confineAttachments(tpl); err != nil {
		return RunParams{}, 0, err
	}

	list, err := p.recipients(req)
	if err != nil {
		return RunParams{}, 0, err
	}
	if len(list.Recipients) == 0 {
		return RunParams{}, list.Skipped, models.ErrNoRecipients
	}

	batch, err := p.preparer.Prepare(tpl, list.Recipients)
	if err != nil {
		return RunParams{}, list.Skipped, err
	}

	return RunParams{
		Template: batch.TemplateName(),
		Messages: batch.Messages(),
		Total:    batch.Len(),
		SMTP:     smtpCfg,
		Delay:    delay,
	}, list.Skipped, nil
}

func (p *Planner) parseDelay(raw string) (time.Duration, error) {
	delay := p.delay
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, &models.ConfigError{Field: "delay", Reason: err.Error()}
		}
		delay = d
	}
	if err := config.ValidateDelay(delay); err != nil {
		return 0, err
	}
	return delay, nil
}

func (p *Planner) template(req *models.RunRequest) (*models.MessageTemplate, error) {
	if req.InlineTemplate != nil {
		tpl := *req.InlineTemplate
		if tpl.Name == "" {
			tpl.Name = "inline"
		}
		if tpl.Subject == "" || tpl.Body == "" {
			return nil, &models.TemplateError{Path: tpl.Name, Err: fmt.Errorf("subject and body are required")}
		}
		return &tpl, nil
	}
	if req.Template == "" {
		return nil, &models.ConfigError{Field: "template", Reason: "is required"}
	}
	return p.templates.Load(req.Template)
}

func (p *Planner) recipients(req *models.RunRequest) (*recipients.List, error) {
	list := recipients.FromRecipients(req.Recipients)
	if req.RecipientsFile == "" {
		return list, nil
	}
	path, err := p.resolve(req.RecipientsFile)
	if err != nil {
		return nil, &models.ConfigError{Field: "recipients_file", Reason: err.Error()}
	}
	fromFile, err := recipients.LoadFile(path)
	if err != nil {
		return nil, &models.ConfigError{Field: "recipients_file", Reason: err.Error()}
	}
	list.Recipients = append(list.Recipients, fromFile.Recipients...)
	list.Skipped += fromFile.Skipped
	return list, nil
}

func (p *Planner) confineAttachments(tpl *models.MessageTemplate) (*models.MessageTemplate, error) {
	if p.baseDir == "" || len(tpl.Attachments) == 0 {
		return tpl, nil
	}
	out := *tpl
	out.Attachments = make([]string, 0, len(tpl.Attachments))
	for _, a := range tpl.Attachments {
		path, err := p.resolve(a)
		if err != nil {
			return nil, &models.TemplateError{Path: a, Err: err}
		}
		out.Attachments = append(out.Attachments, path)
	}
	return &out, nil
}

// resolve maps path into baseDir and rejects anything that would leave it.
func (p *Planner) resolve(path string) (string, error) {
	if p.baseDir == "" {
		return path, nil
	}
	full := filepath.Clean(path)
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.baseDir, full)
	}
	base, err := filepath.Abs(p.baseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, p.baseDir)
	}
	return abs, nil
}
