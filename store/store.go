// Package store keeps message templates as files in a directory.
//
// Templates are written as YAML. JSON files are read as well, since YAML is a superset of JSON.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"bulk-mailer/models"
)

var extensions = []string{".yaml", ".yml", ".json"}

type TemplateStore struct {
	dir string
}

func NewTemplateStore(dir string) *TemplateStore {
	return &TemplateStore{dir: dir}
}

func (s *TemplateStore) Dir() string { return s.dir }

// Save writes tpl to <dir>/<name>.yaml, replacing any previous version.
func (s *TemplateStore) Save(tpl *models.MessageTemplate) error {
	name, err := cleanName(tpl.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create template dir: %w", err)
	}

	stored := *tpl
	stored.Name = name
	if stored.Format == "" {
		stored.Format = models.FormatHTML
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode template %s: %w", name, err)
	}

	// Drop older copies under another extension so Load stays unambiguous.
	for _, ext := range extensions[1:] {
		_ = os.Remove(filepath.Join(s.dir, name+ext))
	}

	path := filepath.Join(s.dir, name+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write template %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write template %s: %w", name, err)
	}
	return nil
}

// Load reads a template by name. A missing template yields models.ErrTemplateNotFound,
// an unreadable or malformed file a *models.TemplateError.
func (s *TemplateStore) Load(name string) (*models.MessageTemplate, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	for _, ext := range extensions {
		path := filepath.Join(s.dir, name+ext)
		tpl, err := readTemplate(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tpl.Name == "" {
			tpl.Name = name
		}
		return tpl, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name)
}

// List returns every readable template sorted by name. Unreadable files are skipped.
func (s *TemplateStore) List() ([]*models.MessageTemplate, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}

	seen := make(map[string]bool)
	var templates []*models.MessageTemplate
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || !isTemplateExt(ext) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		if seen[name] {
			continue
		}
		tpl, err := s.Load(name)
		if err != nil {
			continue
		}
		seen[name] = true
		templates = append(templates, tpl)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

// Delete removes a template. It reports false if nothing was stored under name.
func (s *TemplateStore) Delete(name string) (bool, error) {
	name, err := cleanName(name)
	if err != nil {
		return false, err
	}

	deleted := false
	for _, ext := range extensions {
		err := os.Remove(filepath.Join(s.dir, name+ext))
		switch {
		case err == nil:
			deleted = true
		case !errors.Is(err, fs.ErrNotExist):
			return deleted, fmt.Errorf("failed to delete template %s: %w", name, err)
		}
	}
	return deleted, nil
}

func readTemplate(path string) (*models.MessageTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &models.TemplateError{Path: path, Err: err}
	}

	var tpl models.MessageTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, &models.TemplateError{Path: path, Err: err}
	}
	return &tpl, nil
}

// cleanName strips directories and known extensions so names cannot escape the store.
func cleanName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if ext := filepath.Ext(base); isTemplateExt(ext) {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", &models.TemplateError{Path: name, Err: errors.New("invalid template name")}
	}
	return base, nil
}

func isTemplateExt(ext string) bool {
	for _, e := range extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
