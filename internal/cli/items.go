package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// itemManifest is the YAML form of an items file. A bare YAML list of
// URLs is accepted too.
type itemManifest struct {
	Note     string   `yaml:"note"`
	Template string   `yaml:"template"`
	Items    []string `yaml:"items"`
}

// loadItems reads profile URLs from a text file (one per line, # comments)
// or a YAML manifest.
func loadItems(path string) (itemManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return itemManifest{}, fmt.Errorf("read items: %w", err)
	}

	var m itemManifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		m, err = parseManifest(data)
		if err != nil {
			return itemManifest{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		m.Items = parseLines(data)
	}

	if len(m.Items) == 0 {
		return itemManifest{}, fmt.Errorf("%s: no items", path)
	}
	return m, nil
}

func parseManifest(data []byte) (itemManifest, error) {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return itemManifest{Items: clean(list)}, nil
	}
	var m itemManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return itemManifest{}, err
	}
	m.Items = clean(m.Items)
	return m, nil
}

func parseLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func clean(items []string) []string {
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
