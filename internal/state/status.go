package state

import (
	"sync"
	"time"
)

type SyncStatus struct {
	Mode            string `json:"mode"`
	Connected       bool   `json:"connected"`
	LastSuccessUnix int64  `json:"last_success_unix"`
	LastError       string `json:"last_error"`
	Conflicts       int    `json:"conflicts"`
	Queued          int    `json:"queued"`
}

// SyncTracker records the health of the session's link to its backend.
type SyncTracker struct {
	mu     sync.RWMutex
	status SyncStatus
}

func NewSyncTracker(mode string) *SyncTracker {
	return &SyncTracker{status: SyncStatus{Mode: mode}}
}

func (s *SyncTracker) MarkSyncSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = true
	s.status.LastError = ""
	s.status.LastSuccessUnix = time.Now().Unix()
}

func (s *SyncTracker) MarkSyncError(err string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = false
	s.status.LastError = err
}

func (s *SyncTracker) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = connected
}

func (s *SyncTracker) setCounts(conflicts, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Conflicts = conflicts
	s.status.Queued = queued
}

func (s *SyncTracker) Snapshot() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
