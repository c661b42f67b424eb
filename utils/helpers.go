package utils

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	spaceRun  = regexp.MustCompile(`[ \t]+`)
	blankRuns = regexp.MustCompile(`\n{2,}`)
	blockEnd  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|table|blockquote)>|<br\s*/?>`)

	strictPolicy *bluemonday.Policy
	policyOnce   sync.Once
)

func ValidateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// MaskEmail hides the local part of an address for logs, keeping its first and last characters.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local, domain := []rune(email[:at]), email[at:]
	switch len(local) {
	case 1:
		return "*" + domain
	case 2:
		return string(local[0]) + "*" + domain
	}
	return string(local[0]) + "***" + string(local[len(local)-1]) + domain
}

// PlainText strips all markup from an HTML body, keeping block boundaries as line breaks.
func PlainText(htmlBody string) string {
	policyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})

	withBreaks := blockEnd.ReplaceAllStringFunc(htmlBody, func(tag string) string {
		return tag + "\n"
	})
	text := html.UnescapeString(strictPolicy.Sanitize(withBreaks))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n")
	return strings.TrimSpace(text)
}
