// Package session provides conversation session management.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/turnloop/turnloop/internal/provider"
)

// Record wraps one chat message with its timestamp. Tool calls and tool
// result linkage ride along on the embedded message.
type Record struct {
	provider.Message
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Session represents a conversation session.
type Session struct {
	Key       string         `json:"key"`
	Records   []Record       `json:"records"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	mu        sync.RWMutex
}

// NewSession creates a new session with the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Records:   []Record{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// Append adds a message to the session.
func (s *Session) Append(msg provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Records = append(s.Records, Record{Message: msg, Timestamp: time.Now()})
	s.UpdatedAt = time.Now()
}

// History returns the message history, most recent maxMessages entries.
// maxMessages <= 0 returns everything.
func (s *Session) History(maxMessages int) []provider.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.Records
	if maxMessages > 0 && len(records) > maxMessages {
		records = records[len(records)-maxMessages:]
	}
	result := make([]provider.Message, len(records))
	for i, r := range records {
		result[i] = r.Message
	}
	return result
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Records)
}

// Clear removes all messages from the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Records = []Record{}
	s.UpdatedAt = time.Now()
}

// Manager manages session persistence.
type Manager struct {
	sessionsDir string
	cache       map[string]*Session
	mu          sync.RWMutex
}

// NewManager creates a new session manager rooted at sessionsDir.
func NewManager(sessionsDir string) *Manager {
	if sessionsDir == "" {
		home, _ := os.UserHomeDir()
		sessionsDir = filepath.Join(home, ".turnloop", "sessions")
	}
	os.MkdirAll(sessionsDir, 0755)

	return &Manager{
		sessionsDir: sessionsDir,
		cache:       make(map[string]*Session),
	}
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.cache[key]; ok {
		return session
	}

	session := m.load(key)
	if session == nil {
		session = NewSession(key)
	}

	m.cache[key] = session
	return session
}

// Save persists a session to disk as JSONL: one metadata line followed by
// one line per message.
func (m *Manager) Save(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.sessionPath(session.Key)

	session.mu.RLock()
	defer session.mu.RUnlock()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer file.Close()

	meta := map[string]any{
		"_type":      "metadata",
		"created_at": session.CreatedAt.Format(time.RFC3339),
		"updated_at": session.UpdatedAt.Format(time.RFC3339),
		"metadata":   session.Metadata,
	}
	metaLine, _ := json.Marshal(meta)
	file.WriteString(string(metaLine) + "\n")

	for _, rec := range session.Records {
		recLine, _ := json.Marshal(rec)
		file.WriteString(string(recLine) + "\n")
	}

	m.cache[session.Key] = session
	return nil
}

// Delete removes a session.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)

	path := m.sessionPath(key)
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}

// SessionInfo contains metadata about a session.
type SessionInfo struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// List returns information about all sessions.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []SessionInfo

	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return sessions
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}

		path := filepath.Join(m.sessionsDir, entry.Name())
		key := strings.TrimSuffix(entry.Name(), ".jsonl")
		key = strings.ReplaceAll(key, "_", ":")

		info := SessionInfo{
			Key:  key,
			Path: path,
		}

		if data, err := os.ReadFile(path); err == nil {
			firstLine := data
			if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
				firstLine = data[:idx]
			}
			var meta map[string]any
			if json.Unmarshal(firstLine, &meta) == nil {
				if created, ok := meta["created_at"].(string); ok {
					info.CreatedAt, _ = time.Parse(time.RFC3339, created)
				}
				if updated, ok := meta["updated_at"].(string); ok {
					info.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
				}
			}
		}

		sessions = append(sessions, info)
	}

	return sessions
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.sessionsDir, filepath.Base(safeKey)+".jsonl")
}

func (m *Manager) load(key string) *Session {
	path := m.sessionPath(key)

	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	session := NewSession(key)
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}

		var check map[string]any
		if json.Unmarshal(raw, &check) == nil {
			if check["_type"] == "metadata" {
				if created, ok := check["created_at"].(string); ok {
					session.CreatedAt, _ = time.Parse(time.RFC3339, created)
				}
				if updated, ok := check["updated_at"].(string); ok {
					session.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
				}
				if meta, ok := check["metadata"].(map[string]any); ok {
					session.Metadata = meta
				}
				continue
			}
		}

		var rec Record
		if json.Unmarshal(raw, &rec) == nil {
			session.Records = append(session.Records, rec)
		}
	}

	return session
}
