// Package recipients imports recipient lists from CSV and plain text files.
package recipients

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bulk-mailer/models"
	"bulk-mailer/utils"
)

type Kind int

const (
	KindText Kind = iota
	KindCSV
)

// List is the outcome of an import. Order follows the source file; duplicates are kept.
type List struct {
	Recipients []models.Recipient
	Skipped    int
}

// KindForPath picks the parser from the file extension.
func KindForPath(path string) Kind {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return KindCSV
	}
	return KindText
}

func LoadFile(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	return Parse(f, KindForPath(path))
}

func Parse(r io.Reader, kind Kind) (*List, error) {
	if kind == KindCSV {
		return parseCSV(r)
	}
	return parseText(r)
}

func parseText(r io.Reader) (*List, error) {
	list := &List{}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list.add(line, nil)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recipient list: %w", err)
	}
	return list, nil
}

func parseCSV(r io.Reader) (*List, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	list := &List{}
	var header []string
	addrCol := -1

	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient csv: %w", err)
		}
		if row == 0 && len(record) > 0 {
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
			if col := headerAddressColumn(record); col >= 0 {
				header = normalizeHeader(record)
				addrCol = col
				continue
			}
		}

		if header == nil {
			// No header: every valid address in every cell is a recipient.
			for _, cell := range record {
				cell = strings.TrimSpace(cell)
				if cell == "" {
					continue
				}
				list.add(cell, nil)
			}
			continue
		}

		if addrCol >= len(record) {
			list.Skipped++
			continue
		}
		fields := make(map[string]string, len(header)-1)
		for i, name := range header {
			if i == addrCol || i >= len(record) || name == "" {
				continue
			}
			fields[name] = strings.TrimSpace(record[i])
		}
		list.add(strings.TrimSpace(record[addrCol]), fields)
	}
	return list, nil
}

func (l *List) add(address string, fields map[string]string) {
	if !utils.ValidateEmail(address) {
		l.Skipped++
		return
	}
	if len(fields) == 0 {
		fields = nil
	}
	l.Recipients = append(l.Recipients, models.Recipient{Address: address, Fields: fields})
}

func headerAddressColumn(record []string) int {
	for i, cell := range record {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "email", "e-mail", "address", "email_address":
			return i
		}
	}
	return -1
}

func normalizeHeader(record []string) []string {
	header := make([]string, len(record))
	for i, cell := range record {
		header[i] = strings.TrimSpace(cell)
	}
	return header
}

// FromRecipients validates recipients supplied directly, e.g. in an API request.
func FromRecipients(in []models.Recipient) *List {
	list := &List{}
	for _, r := range in {
		list.add(strings.TrimSpace(r.Address), r.Fields)
	}
	return list
}
