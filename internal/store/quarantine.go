package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/specsync/internal/lock"
	"github.com/msageha/specsync/internal/model"
)

// pathLocks serializes writers of the same file so two concurrent
// saves cannot interleave their temp-file renames.
var pathLocks = lock.NewMutexMap()

func Quarantine(dataDir, filePath string) error {
	quarantineDir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateJSON(content); err != nil {
		return fmt.Errorf("backup JSON is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// LoadQueueDocument reads the queue persistence document at path.
// A missing file yields an empty document. A corrupted file is
// quarantined and, if possible, the .bak copy is restored and parsed;
// otherwise an empty document is returned so the engine can start.
func LoadQueueDocument(dataDir, path string) (model.QueueDocument, error) {
	var doc model.QueueDocument

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read queue document: %w", err)
	}

	if err := json.Unmarshal(content, &doc); err == nil {
		return doc, nil
	}

	if qErr := Quarantine(dataDir, path); qErr != nil {
		return model.QueueDocument{}, fmt.Errorf("quarantine corrupt queue: %w", qErr)
	}
	if rErr := RestoreFromBackup(path); rErr != nil {
		log.Printf("backup restore failed for %s: %v, starting with empty queue", path, rErr)
		return model.QueueDocument{}, nil
	}

	content, err = os.ReadFile(path)
	if err != nil {
		return model.QueueDocument{}, fmt.Errorf("read restored queue: %w", err)
	}
	doc = model.QueueDocument{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return model.QueueDocument{}, fmt.Errorf("parse restored queue: %w", err)
	}
	return doc, nil
}

// SaveQueueDocument persists the queue document atomically. Concurrent
// saves of the same path are serialized.
func SaveQueueDocument(path string, doc model.QueueDocument) error {
	pathLocks.Lock(path)
	defer pathLocks.Unlock(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	return AtomicWriteJSON(path, doc)
}
