package accounting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Journal is a JSON-lines on-disk record of every append, used for
// crash recovery. Writes are synced before they are acknowledged so a
// record visible to Query is also durable.
type Journal struct {
	path   string
	file   *os.File
	logger *zap.Logger
}

// OpenJournal opens (creating if needed) the journal file.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{path: path, file: file, logger: logger}, nil
}

// Write appends one record and syncs.
func (j *Journal) Write(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return j.file.Sync()
}

// Replay reads every record in the journal. Corrupt trailing lines
// (torn writes) are skipped with a warning rather than failing the
// whole replay.
func (j *Journal) Replay() ([]*Record, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []*Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			j.logger.Warn("Skipping corrupt journal line",
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		records = append(records, &record)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan journal: %w", err)
	}
	return records, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.file.Close()
}
