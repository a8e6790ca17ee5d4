package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("module_name", func(fl validator.FieldLevel) bool {
		return moduleNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Load reads a catalog from a YAML file or from every .yaml/.yml file of a directory.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = catalogFiles(path)
		if err != nil {
			return nil, err
		}
	}

	merged := &Catalog{}
	for _, file := range files {
		cat, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		merged.Barclamps = append(merged.Barclamps, cat.Barclamps...)
	}

	if err := Validate(merged); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return merged, nil
}

func catalogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isCatalogFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isCatalogFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func loadFile(file string) (*Catalog, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	cat, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	// Schema files are relative to the catalog file that names them.
	for i := range cat.Barclamps {
		m := &cat.Barclamps[i]
		if m.SchemaFile == "" {
			continue
		}
		schemaPath := m.SchemaFile
		if !filepath.IsAbs(schemaPath) {
			schemaPath = filepath.Join(filepath.Dir(file), schemaPath)
		}
		src, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema of %s: %w", m.Name, err)
		}
		if m.Schema != "" {
			m.Schema += "\n"
		}
		m.Schema += string(src)
	}

	return cat, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	cat, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func decode(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	cat := &Catalog{}
	if err := dec.Decode(cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return cat, nil
}

// Validate checks field constraints, duplicate names and member references.
func Validate(cat *Catalog) error {
	if err := newValidator().Struct(cat); err != nil {
		return fmt.Errorf("catalog validation failed: %w", err)
	}

	seen := make(map[string]bool, len(cat.Barclamps))
	for _, m := range cat.Barclamps {
		if seen[m.Name] {
			return fmt.Errorf("duplicate barclamp %q", m.Name)
		}
		seen[m.Name] = true
	}

	for _, m := range cat.Barclamps {
		for _, member := range m.Members {
			if member == m.Name {
				return fmt.Errorf("barclamp %q lists itself as a member", m.Name)
			}
			if !seen[member] {
				return fmt.Errorf("barclamp %q has unknown member %q", m.Name, member)
			}
		}
	}
	return nil
}
