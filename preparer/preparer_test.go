package preparer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-mailer/models"
	"bulk-mailer/recipients"
)

func collect(b *Batch) []models.PreparedMessage {
	return slices.Collect(b.Messages())
}

func TestPrepare_SubstitutesAndLeavesUnmatchedVerbatim(t *testing.T) {
	t.Parallel()

	tpl := &models.MessageTemplate{Subject: "Hi {name}", Body: "Hello {name}"}
	recipients := []models.Recipient{
		{Address: "a@x.com", Fields: map[string]string{"name": "Alice"}},
		{Address: "b@x.com"},
	}

	batch, err := New().Prepare(tpl, recipients)
	require.NoError(t, err)

	msgs := collect(batch)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello Alice", msgs[0].HTML)
	assert.Equal(t, "Hi Alice", msgs[0].Subject)
	assert.Equal(t, "a@x.com", msgs[0].To)
	assert.Equal(t, "Hello {name}", msgs[1].HTML)
	assert.Equal(t, "Hi {name}", msgs[1].Subject)
	assert.Equal(t, "b@x.com", msgs[1].To)
}

func TestPrepare_OrderAndCount(t *testing.T) {
	t.Parallel()

	var recipients []models.Recipient
	for _, addr := range []string{"c@x.com", "a@x.com", "b@x.com", "a@x.com"} {
		recipients = append(recipients, models.Recipient{Address: addr})
	}

	batch, err := New().Prepare(&models.MessageTemplate{Subject: "s", Body: "to {email}"}, recipients)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Len())

	msgs := collect(batch)
	require.Len(t, msgs, len(recipients))
	for i, m := range msgs {
		assert.Equal(t, recipients[i].Address, m.To)
		assert.Equal(t, "to "+recipients[i].Address, m.HTML)
	}
}

func TestPrepare_Deterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	attPath := filepath.Join(dir, "terms.pdf")
	require.NoError(t, os.WriteFile(attPath, []byte("%PDF-1.4 fake"), 0o600))

	tpl := &models.MessageTemplate{
		Subject:     "Order {order}",
		Body:        "<p>Dear {name},</p><p>Order {order} shipped.</p>",
		Attachments: []string{attPath},
	}
	recipients := []models.Recipient{
		{Address: "a@x.com", Fields: map[string]string{"name": "Ann", "order": "42"}},
		{Address: "b@x.com", Fields: map[string]string{"name": "Ben"}},
	}

	p := New()
	first, err := p.Prepare(tpl, recipients)
	require.NoError(t, err)
	second, err := p.Prepare(tpl, recipients)
	require.NoError(t, err)

	a, b := collect(first), collect(second)
	assert.Equal(t, a, b)
	// Re-iterating the same batch restarts from the first recipient.
	assert.Equal(t, a, collect(first))

	require.Len(t, a[0].Attachments, 1)
	assert.Equal(t, "terms.pdf", a[0].Attachments[0].Filename)
	assert.Equal(t, "application/pdf", a[0].Attachments[0].ContentType)
	assert.Equal(t, "Dear Ann,\nOrder 42 shipped.", a[0].Text)
	assert.Equal(t, "Order {order}", a[1].Subject)
}

func TestPrepare_EscapesValuesInBody(t *testing.T) {
	t.Parallel()

	tpl := &models.MessageTemplate{Subject: "{name}", Body: "<b>{name}</b>"}
	batch, err := New().Prepare(tpl, []models.Recipient{
		{Address: "a@x.com", Fields: map[string]string{"name": "<Tom & Jerry>"}},
	})
	require.NoError(t, err)

	msg := collect(batch)[0]
	assert.Equal(t, "<b>&lt;Tom &amp; Jerry&gt;</b>", msg.HTML)
	assert.Equal(t, "<Tom & Jerry>", msg.Subject)
}

func TestPrepare_RecipientFieldOverridesEmail(t *testing.T) {
	t.Parallel()

	batch, err := New().Prepare(&models.MessageTemplate{Body: "{email}"}, []models.Recipient{
		{Address: "a@x.com", Fields: map[string]string{"email": "alias@x.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "alias@x.com", collect(batch)[0].HTML)
}

func TestPrepare_MissingAttachment(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.pdf")
	_, err := New().Prepare(&models.MessageTemplate{Body: "x", Attachments: []string{missing}}, nil)

	var tplErr *models.TemplateError
	require.ErrorAs(t, err, &tplErr)
	assert.Equal(t, missing, tplErr.Path)
}

func TestPrepare_Markdown(t *testing.T) {
	t.Parallel()

	tpl := &models.MessageTemplate{Format: models.FormatMarkdown, Subject: "s", Body: "# Hi {name}\n\nWelcome **aboard**."}
	batch, err := New().Prepare(tpl, []models.Recipient{{Address: "a@x.com", Fields: map[string]string{"name": "Al"}}})
	require.NoError(t, err)

	msg := collect(batch)[0]
	assert.Contains(t, msg.HTML, "<h1>Hi Al</h1>")
	assert.Contains(t, msg.HTML, "<strong>aboard</strong>")
	assert.Equal(t, "Hi Al\nWelcome aboard.", msg.Text)
}

func TestPrepare_UnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := New().Prepare(&models.MessageTemplate{Name: "x", Format: "rtf"}, nil)
	var tplErr *models.TemplateError
	require.ErrorAs(t, err, &tplErr)
}

func TestMessages_StopsEarly(t *testing.T) {
	t.Parallel()

	batch, err := New().Prepare(&models.MessageTemplate{Body: "b"}, []models.Recipient{
		{Address: "a@x.com"}, {Address: "b@x.com"}, {Address: "c@x.com"},
	})
	require.NoError(t, err)

	var seen []string
	for m := range batch.Messages() {
		seen = append(seen, m.To)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, seen)
}

func TestRenderAndFields(t *testing.T) {
	t.Parallel()

	tpl := &models.MessageTemplate{Subject: "{greeting} {name}", Body: "{name} {company} {name}"}
	assert.Equal(t, []string{"company", "greeting", "name"}, Fields(tpl))

	msg, err := New().Render(tpl, models.Recipient{Address: "a@x.com", Fields: map[string]string{"name": "Al"}})
	require.NoError(t, err)
	assert.Equal(t, "{greeting} Al", msg.Subject)
	assert.Equal(t, "Al {company} Al", msg.HTML)
}

func TestPrepare_FieldsFromCSVHeader(t *testing.T) {
	t.Parallel()

	list, err := recipients.Parse(strings.NewReader("Email,First Name,plan\nalice@example.com,Alice,pro\n"), recipients.KindCSV)
	require.NoError(t, err)
	require.Len(t, list.Recipients, 1)

	tpl := &models.MessageTemplate{
		Subject: "Hi {First Name}",
		Body:    "<p>Dear { First Name }, your {plan} plan. <style>p { color: red }</style></p>",
	}
	batch, err := New().Prepare(tpl, list.Recipients)
	require.NoError(t, err)

	msgs := collect(batch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi Alice", msgs[0].Subject)
	assert.Equal(t, "<p>Dear Alice, your pro plan. <style>p { color: red }</style></p>", msgs[0].HTML)
	assert.Equal(t, []string{"First Name", "plan"}, Fields(tpl))
}
