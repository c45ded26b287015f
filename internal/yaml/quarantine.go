package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupt file into <dir>/quarantine with a timestamped
// name so the daemon can regenerate a clean one in its place.
func Quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup puts the .bak copy back in place if it parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// GenerateSkeleton writes a minimal valid document for the given file type.
func GenerateSkeleton(filePath string, fileType string) error {
	skeleton := skeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines, then restores from backup, then falls
// back to a skeleton.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v — falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}

	return nil
}

func skeletonForType(fileType string) any {
	switch fileType {
	case "board":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "board",
			"tasks":          []any{},
		}
	case "results":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "results",
			"records":        []any{},
		}
	case "run_state":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "run_state",
			"task_id":        "",
			"status":         "running",
			"step_index":     0,
			"visit_counts":   map[string]any{},
			"fix_counts":     map[string]any{},
			"last_results":   map[string]any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
