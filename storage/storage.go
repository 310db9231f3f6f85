// Package storage archives finished capture artifacts (raw recordings,
// metadata sidecars) to object storage. Archival runs after a capture ends;
// it is never on the reconstruction path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Archiver persists a named capture artifact.
type Archiver interface {
	// Put writes one artifact under the session's key prefix. The filename
	// must not contain path separators or "..".
	Put(ctx context.Context, filename, contentType string, body io.Reader) error
}

// ValidateFilename rejects names that would escape the session prefix.
func ValidateFilename(filename string) error {
	if filename == "" {
		return errors.New("storage: filename is empty")
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return fmt.Errorf("storage: filename %q must not contain path separators or '..'", filename)
	}
	return nil
}

// StubArchiver records Put calls for testing.
type StubArchiver struct {
	mu    sync.Mutex
	Files []StubFileRecord

	// Err, when set, is returned by every Put.
	Err error
}

// StubFileRecord is a recorded artifact write for testing.
type StubFileRecord struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewStubArchiver creates a new stub archiver.
func NewStubArchiver() *StubArchiver {
	return &StubArchiver{}
}

// Put implements Archiver by recording the call.
func (a *StubArchiver) Put(_ context.Context, filename, contentType string, body io.Reader) error {
	if a.Err != nil {
		return a.Err
	}
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Files = append(a.Files, StubFileRecord{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	return nil
}

// Verify StubArchiver implements Archiver.
var _ Archiver = (*StubArchiver)(nil)
