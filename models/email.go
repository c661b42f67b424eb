package models

// Template body formats.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// Recipient is one imported address plus its substitution fields.
type Recipient struct {
	Address string            `json:"address" yaml:"address"`
	Fields  map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// MessageTemplate is a saved subject/body/attachments triple.
type MessageTemplate struct {
	Name        string   `json:"name" yaml:"name"`
	Subject     string   `json:"subject" yaml:"subject"`
	Body        string   `json:"body" yaml:"body"`
	Format      string   `json:"format,omitempty" yaml:"format,omitempty"`
	Attachments []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// Attachment is a file read from disk when a run is prepared.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// PreparedMessage is a fully rendered email for a single recipient.
type PreparedMessage struct {
	To          string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

type TemplateRequest struct {
	Subject     string   `json:"subject" binding:"required"`
	Body        string   `json:"body" binding:"required"`
	Format      string   `json:"format"`
	Attachments []string `json:"attachments"`
}

type PreviewRequest struct {
	Address string            `json:"address"`
	Fields  map[string]string `json:"fields"`
}
