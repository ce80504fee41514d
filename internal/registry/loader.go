package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// ErrNoModels is returned by Resolve when a directory holds no *.gguf files.
var ErrNoModels = errors.New("no .gguf models found")

var quantRe = regexp.MustCompile(`(?i)(?:^|[._-])((?:I?Q\d+(?:_[A-Z0-9]+)*)|F16|F32|BF16)(?:[._-]|$)`)

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
// Results are sorted by ID.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, describe(filepath.Join(abs, name)))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Resolve turns a model source into a single model file. A file path is used
// as is; a directory resolves to its first *.gguf by name.
func Resolve(source string) (types.Model, error) {
	p, err := fsutil.ExpandHome(source)
	if err != nil {
		return types.Model{}, err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return types.Model{}, fmt.Errorf("abs path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return types.Model{}, err
	}
	if !fi.IsDir() {
		m := describe(abs)
		m.SizeBytes = fi.Size()
		return m, nil
	}
	models, err := LoadDir(abs)
	if err != nil {
		return types.Model{}, err
	}
	if len(models) == 0 {
		return types.Model{}, fmt.Errorf("%s: %w", abs, ErrNoModels)
	}
	m := models[0]
	if st, err := os.Stat(m.Path); err == nil {
		m.SizeBytes = st.Size()
	}
	return m, nil
}

func describe(path string) types.Model {
	id := filepath.Base(path)
	m := types.Model{ID: id, Name: strings.TrimSuffix(id, filepath.Ext(id)), Path: path}
	if q := quantRe.FindStringSubmatch(m.Name); q != nil {
		m.Quant = strings.ToUpper(q[1])
	}
	return m
}
