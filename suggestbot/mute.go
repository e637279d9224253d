package suggestbot

import (
	"slices"
	"sync"
	"time"
)

// MuteList tracks muted user IDs. Muting has no effect on counting or
// voting; muted users are only flagged in logs.
type MuteList struct {
	muted map[string]time.Time
	mu    sync.RWMutex
}

// NewMuteList returns a MuteList with the given users muted
func NewMuteList(userIDs ...string) *MuteList {
	m := &MuteList{muted: make(map[string]time.Time, len(userIDs))}
	now := time.Now().UTC()
	for _, id := range userIDs {
		if id != "" {
			m.muted[id] = now
		}
	}
	return m
}

func (m *MuteList) Mute(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.muted[userID]; !ok {
		m.muted[userID] = time.Now().UTC()
	}
}

func (m *MuteList) Unmute(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.muted, userID)
}

func (m *MuteList) IsMuted(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.muted[userID]
	return ok
}

func (m *MuteList) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.muted)
}

// List returns the muted user IDs, sorted
func (m *MuteList) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.muted))
	for id := range m.muted {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
