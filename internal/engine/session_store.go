package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionFilename = "session.json"

// SessionStore owns all reads/writes of Session state. Every mutation goes
// through a write-temp-then-rename so a crash mid-write never corrupts the
// on-disk record; only one session runs per process so no locking beyond a
// single mutex guarding in-memory access is required.
type SessionStore struct {
	root string
	mu   sync.Mutex
}

// NewSessionStore creates a store rooted at root (default ".orchestra/").
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

// Init creates a new session directory and writes a fresh session document
// with phase=init, iteration=0.
func (s *SessionStore) Init(task, workDir string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	session := NewSession(id, task, workDir)
	if err := s.writeLocked(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Load reads an existing session document from disk.
func (s *SessionStore) Load(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), sessionFilename))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &session, nil
}

// Save persists the given session, computing CanResume before writing.
func (s *SessionStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(session)
}

func (s *SessionStore) writeLocked(session *Session) error {
	session.LastActivity = time.Now()
	session.CanResume = canResume(session.Phase)

	dir := s.sessionDir(session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure session directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	final := filepath.Join(dir, sessionFilename)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// SetPhase transitions the session to a new phase, appending a checkpoint
// when label is non-empty, and persists the result.
func (s *SessionStore) SetPhase(session *Session, phase Phase, checkpointLabel string) error {
	session.Phase = phase
	if checkpointLabel != "" {
		session.Checkpoints = append(session.Checkpoints, Checkpoint{
			Label:     checkpointLabel,
			Timestamp: time.Now(),
		})
	}
	return s.Save(session)
}

// SetRoleStatus updates a role's status and optional last-duration, then
// persists the session.
func (s *SessionStore) SetRoleStatus(session *Session, role Role, status RoleStatus, durationMS int64) error {
	rs, ok := session.Roles[role]
	if !ok {
		rs = &RoleState{}
		session.Roles[role] = rs
	}
	rs.Status = status
	if durationMS > 0 {
		rs.LastDurationMS = durationMS
	}
	return s.Save(session)
}

// SetError records the session's last error and persists it.
func (s *SessionStore) SetError(session *Session, err error) error {
	if err != nil {
		session.LastError = err.Error()
	}
	return s.Save(session)
}

// Clean removes a session's entire directory.
func (s *SessionStore) Clean(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("clean session %s: %w", id, err)
	}
	return nil
}

// SessionDir returns the on-disk directory for a session id.
func (s *SessionStore) SessionDir(id string) string {
	return s.sessionDir(id)
}

// ListSessionIDs returns the IDs of every session directory under root,
// unsorted. A missing root directory (no sessions ever created) is not an
// error.
func (s *SessionStore) ListSessionIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (s *SessionStore) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

// canResume reports whether a session paused in this phase may be resumed:
// true iff the phase is non-terminal.
func canResume(phase Phase) bool {
	return !phase.IsTerminal()
}

// ResumePoint describes where resume() should restart work, derived from
// the session's current phase and checkpoint history (spec §4.8.1).
type ResumePoint string

const (
	ResumeFromArchitect ResumePoint = "architect"
	ResumeFromApproval  ResumePoint = "approval"
	ResumeFromExecutor  ResumePoint = "executor"
	ResumeFromAuditLoop ResumePoint = "audit_loop"
	ResumeNone          ResumePoint = "none"
)

// DetermineResumePoint inspects the session's phase (and, for the
// planning/init ambiguity, whether a plan file already exists) to select
// where a resumed run should restart.
func DetermineResumePoint(session *Session, planExists bool) ResumePoint {
	switch session.Phase {
	case PhaseInit, PhasePlanning:
		return ResumeFromArchitect
	case PhaseAwaitingApproval, PhaseRejected:
		return ResumeFromApproval
	case PhaseExecuting:
		return ResumeFromExecutor
	case PhaseAuditing, PhaseFixing:
		return ResumeFromAuditLoop
	default:
		if planExists {
			return ResumeFromExecutor
		}
		return ResumeNone
	}
}
