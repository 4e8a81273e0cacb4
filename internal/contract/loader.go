package contract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"promptc/internal/logging"
)

// LoadCatalog reads every *.yaml signature definition under dir into a new
// catalog. Files are loaded in name order so registration failures are
// deterministic.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		// A fresh deployment has no signatures yet.
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signature dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	catalog := NewCatalog()
	log := logging.Get(logging.CategoryContract)
	for _, name := range names {
		path := filepath.Join(dir, name)
		sig, err := LoadSignature(path)
		if err != nil {
			return nil, err
		}
		if err := catalog.Register(sig); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Infow("registered signature", "id", sig.ID, "file", name)
	}
	return catalog, nil
}

// LoadSignature reads one YAML signature definition.
func LoadSignature(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	var sig Signature
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parse signature %s: %w", path, err)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return &sig, nil
}
