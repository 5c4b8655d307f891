// Package file provides file-based persistence for runs, run contexts,
// workflow definitions and chat configurations.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/swarmflow/pkg/persistence"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	runRepo        *RunRepository
	runContextRepo *RunContextRepository
	definitionRepo *DefinitionRepository
	chatConfigRepo *ChatConfigRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		runRepo:        &RunRepository{store: jsonDir{path: filepath.Join(cleanRoot, "runs")}},
		runContextRepo: &RunContextRepository{store: jsonDir{path: filepath.Join(cleanRoot, "run_contexts")}},
		definitionRepo: &DefinitionRepository{store: jsonDir{path: filepath.Join(cleanRoot, "definitions")}},
		chatConfigRepo: &ChatConfigRepository{store: jsonDir{path: filepath.Join(cleanRoot, "chat_configs")}},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

func (fp *Persistence) RunContextRepository() persistence.RunContextRepository {
	return fp.runContextRepo
}

func (fp *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return fp.definitionRepo
}

func (fp *Persistence) ChatConfigRepository() persistence.ChatConfigRepository {
	return fp.chatConfigRepo
}

// jsonDir stores one JSON document per id inside a directory.
type jsonDir struct {
	path string
}

func (d jsonDir) write(id string, value any) error {
	if err := persistence.ValidateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(d.path, dirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.path, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp := filepath.Join(d.path, "."+id+".tmp")
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := os.Rename(tmp, d.file(id)); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	return nil
}

// read decodes the document for id into value. It reports false when the
// document does not exist.
func (d jsonDir) read(id string, value any) (bool, error) {
	if err := persistence.ValidateID(id); err != nil {
		return false, err
	}

	data, err := os.ReadFile(d.file(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", id, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return true, nil
}

func (d jsonDir) remove(id string) error {
	if err := persistence.ValidateID(id); err != nil {
		return err
	}

	err := os.Remove(d.file(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}

	return nil
}

// ids lists the stored document ids.
func (d jsonDir) ids() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read directory %s: %w", d.path, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}

func (d jsonDir) file(id string) string {
	return filepath.Join(d.path, id+".json")
}
