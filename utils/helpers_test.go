package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidateEmail("alice@example.com"))
	assert.True(t, ValidateEmail("a.b+tag@mail.example.co"))
	assert.False(t, ValidateEmail("alice"))
	assert.False(t, ValidateEmail("alice@localhost"))
	assert.False(t, ValidateEmail(" alice@example.com"))
}

func TestMaskEmail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a***e@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "a*@example.com", MaskEmail("ab@example.com"))
	assert.Equal(t, "*@example.com", MaskEmail("x@example.com"))
	assert.Equal(t, "j***s@example.com", MaskEmail("jürgens@example.com"))
	assert.Equal(t, "nope", MaskEmail("nope"))
	assert.Equal(t, "@example.com", MaskEmail("@example.com"))
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	got := PlainText(`<html><body><h1>Hello  Alice</h1><p>Fish &amp; chips<br>today</p><script>x()</script></body></html>`)

	assert.Equal(t, "Hello Alice\nFish & chips\ntoday", got)
}
