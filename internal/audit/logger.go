package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath is where the journal lives unless configured otherwise.
const DefaultPath = "/var/lib/tb-speakerd/audit.log"

// maxLine bounds a single journal line when reading it back.
const maxLine = 1 << 20

// ErrChainBroken is matched by every ChainError.
var ErrChainBroken = errors.New("audit chain broken")

// ChainError reports the first line that fails verification.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d: %s", e.Line, e.Reason)
}

func (e *ChainError) Is(target error) bool { return target == ErrChainBroken }

// Logger appends hash-chained entries to a JSON-lines file. A nil *Logger
// discards everything, so callers need not check whether auditing is on.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	now      func() time.Time
}

// Open opens (or creates) the journal at path. The directory is created
// with 0700 and the file with 0600. The last entry's hash is recovered so
// the chain continues across restarts.
func Open(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	prevHash, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f, prevHash: prevHash, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Log appends entry, filling in the timestamp and chain hash.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	hash, err := chainHash(l.prevHash, entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	l.prevHash = hash
	return nil
}

// Close closes the journal file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Verify walks the journal at path and returns the number of entries. The
// error is a *ChainError for the first entry whose hash does not match.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	prev, count, lineNo := "", 0, 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return count, &ChainError{Line: lineNo, Reason: "not json"}
		}
		want, err := chainHash(prev, e)
		if err != nil {
			return count, err
		}
		if e.EntryHash != want {
			return count, &ChainError{Line: lineNo, Reason: "hash mismatch"}
		}
		prev = e.EntryHash
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return count, nil
}

// chainHash is hex(SHA256(prev + json(entry without hash))).
func chainHash(prev string, e Entry) (string, error) {
	e.EntryHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(prev), raw...))
	return hex.EncodeToString(h[:]), nil
}

// lastHash returns the hash of the last parseable entry in path, or "".
func lastHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read %s: %w", path, err)
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.TrimSpace(lines[i])) == 0 {
			continue
		}
		var e Entry
		if json.Unmarshal(lines[i], &e) == nil {
			return e.EntryHash, nil
		}
		break
	}
	return "", nil
}
