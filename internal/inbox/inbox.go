// Package inbox reads the external follow-up drop file the run loop
// ingests each iteration (SPEC_FULL §4.5 step 3): any tool outside
// phase-golem can append a FollowUp per line to this file to seed new
// items into the next run without going through a phase.
package inbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phase-golem/phase-golem/internal/item"
)

// fileName is the inbox drop file's name within the runtime directory.
const fileName = "inbox.jsonl"

// Path returns the inbox file path under runtimeDir.
func Path(runtimeDir string) string {
	return filepath.Join(runtimeDir, fileName)
}

// Reader reads and clears one runtime directory's inbox file.
type Reader struct {
	path string
}

// New returns a Reader for the inbox file under runtimeDir.
func New(runtimeDir string) *Reader {
	return &Reader{path: Path(runtimeDir)}
}

// ReadAndClear returns every FollowUp currently queued in the inbox file
// and truncates it, so entries are ingested at most once. A missing file
// is not an error: it simply yields no entries.
func (r *Reader) ReadAndClear() ([]item.FollowUp, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox: opening %q: %w", r.path, err)
	}

	var entries []item.FollowUp
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fu item.FollowUp
		if err := json.Unmarshal(line, &fu); err != nil {
			f.Close()
			return nil, fmt.Errorf("inbox: parsing entry: %w", err)
		}
		entries = append(entries, fu)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("inbox: scanning %q: %w", r.path, scanErr)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := os.Truncate(r.path, 0); err != nil {
		return nil, fmt.Errorf("inbox: clearing %q: %w", r.path, err)
	}
	return entries, nil
}

// Append adds a FollowUp to the inbox file, creating it if absent. Intended
// for tests and for external tools that prefer a Go API over hand-writing
// JSON lines.
func Append(runtimeDir string, fu item.FollowUp) error {
	f, err := os.OpenFile(Path(runtimeDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("inbox: opening %q: %w", Path(runtimeDir), err)
	}
	defer f.Close()

	line, err := json.Marshal(fu)
	if err != nil {
		return fmt.Errorf("inbox: encoding entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("inbox: writing entry: %w", err)
	}
	return nil
}
