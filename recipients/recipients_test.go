package recipients

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-mailer/models"
)

func TestParse_Text(t *testing.T) {
	t.Parallel()

	input := "\ufeffalice@example.com\n\n# comment\nnot-an-email\n  bob@example.org  \nalice@example.com\n"

	list, err := Parse(strings.NewReader(input), KindText)
	require.NoError(t, err)

	assert.Equal(t, []models.Recipient{
		{Address: "alice@example.com"},
		{Address: "bob@example.org"},
		{Address: "alice@example.com"},
	}, list.Recipients)
	assert.Equal(t, 1, list.Skipped)
}

func TestParse_CSVWithHeader(t *testing.T) {
	t.Parallel()

	input := "name,Email,company\nAlice,alice@example.com,Acme\nBob,bad-address,Beta\n,carol@example.com\n"

	list, err := Parse(strings.NewReader(input), KindCSV)
	require.NoError(t, err)

	require.Len(t, list.Recipients, 2)
	assert.Equal(t, models.Recipient{
		Address: "alice@example.com",
		Fields:  map[string]string{"name": "Alice", "company": "Acme"},
	}, list.Recipients[0])
	assert.Equal(t, "carol@example.com", list.Recipients[1].Address)
	assert.Equal(t, map[string]string{"name": ""}, list.Recipients[1].Fields)
	assert.Equal(t, 1, list.Skipped)
}

func TestParse_CSVWithoutHeader(t *testing.T) {
	t.Parallel()

	input := "alice@example.com, bob@example.com\nfoo,carol@example.com\n"

	list, err := Parse(strings.NewReader(input), KindCSV)
	require.NoError(t, err)

	addrs := make([]string, 0, len(list.Recipients))
	for _, r := range list.Recipients {
		addrs = append(addrs, r.Address)
		assert.Nil(t, r.Fields)
	}
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, addrs)
	assert.Equal(t, 1, list.Skipped)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "list.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte("email\nalice@example.com\n"), 0o600))

	list, err := LoadFile(csvPath)
	require.NoError(t, err)
	require.Len(t, list.Recipients, 1)

	_, err = LoadFile(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}

func TestKindForPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindCSV, KindForPath("a/b.csv"))
	assert.Equal(t, KindText, KindForPath("a/b.txt"))
	assert.Equal(t, KindText, KindForPath("list"))
}

func TestFromRecipients(t *testing.T) {
	t.Parallel()

	list := FromRecipients([]models.Recipient{
		{Address: " alice@example.com ", Fields: map[string]string{"name": "Alice"}},
		{Address: "not-an-address"},
		{Address: "bob@example.com", Fields: map[string]string{}},
	})

	require.Len(t, list.Recipients, 2)
	assert.Equal(t, 1, list.Skipped)
	assert.Equal(t, "alice@example.com", list.Recipients[0].Address)
	assert.Equal(t, "Alice", list.Recipients[0].Fields["name"])
	assert.Nil(t, list.Recipients[1].Fields)
}
