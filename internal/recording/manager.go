package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// ErrNoRecording is returned when a session has no recording on disk.
var ErrNoRecording = errors.New("recording not found")

// Manager owns one Recorder per session under a directory. A nil *Manager
// records nothing.
type Manager struct {
	dir       string
	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewManager creates the recording directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &Manager{dir: dir, recorders: make(map[string]*Recorder)}, nil
}

// Path returns the recording file of the session.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".cast")
}

// Stat returns the recording path if the session has one.
func (m *Manager) Stat(sessionID string) (string, error) {
	path := m.Path(sessionID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoRecording
		}
		return "", err
	}
	return path, nil
}

func (m *Manager) recorder(sessionID string) (*Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.recorders[sessionID]; ok {
		return r, nil
	}
	r, err := Open(m.Path(sessionID), sessionID)
	if err != nil {
		return nil, err
	}
	m.recorders[sessionID] = r
	return r, nil
}

// RecordInput appends a user message to the session's recording.
func (m *Manager) RecordInput(sessionID, content string) error {
	if m == nil {
		return nil
	}
	r, err := m.recorder(sessionID)
	if err != nil {
		return err
	}
	return r.WriteInput(content)
}

// RecordUpdate appends an agent update to its session's recording.
func (m *Manager) RecordUpdate(u *model.AgentUpdate) error {
	if m == nil {
		return nil
	}
	r, err := m.recorder(u.SessionID)
	if err != nil {
		return err
	}
	return r.WriteUpdate(u)
}

// Close closes the session's recorder. The file is kept.
func (m *Manager) Close(sessionID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	r, ok := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// CloseAll closes every open recorder.
func (m *Manager) CloseAll() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	recorders := m.recorders
	m.recorders = make(map[string]*Recorder)
	m.mu.Unlock()

	var errs []error
	for _, r := range recorders {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
