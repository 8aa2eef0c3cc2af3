package schema

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Source supplies the latest version of every flow definition.
type Source interface {
	ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error)
}

// DirSource reads *.json, *.yaml and *.yml flow files from a directory.
type DirSource struct {
	Dir string
}

// ListFlowDefinitions decodes every flow file in the directory, in file-name order.
func (s DirSource) ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read flows dir %s: %w", s.Dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*models.FlowDefinition
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !IsFlowFile(entry.Name()) {
			continue
		}
		def, err := DecodeFile(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		slog.Debug("DirSource.ListFlowDefinitions: loaded flow file", "file", entry.Name(), "flowID", def.Slug)
		out = append(out, def)
	}
	return out, nil
}

// IsFlowFile reports whether name has a flow document extension.
func IsFlowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// DecodeFile reads and decodes one flow file.
func DecodeFile(path string) (*models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file %s: %w", path, err)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}
