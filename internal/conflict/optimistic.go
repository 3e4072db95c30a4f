package conflict

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/coordinator/internal/logging"
)

type versionedLock struct {
	version    uint64
	holder     string
	acquiredAt time.Time
}

// OptimisticLockManager implements version-stamped compare-and-swap
// updates. AcquireLock records the caller as the latest reader of a
// resource; ValidateAndUpdate commits only for that reader at the version
// it read.
type OptimisticLockManager struct {
	mu     sync.Mutex
	locks  map[string]*versionedLock
	now    func() time.Time
	logger *slog.Logger

	commits, rejections uint64
}

// OptimisticStats counts CAS outcomes.
type OptimisticStats struct {
	Resources  int
	Held       int
	Commits    uint64
	Rejections uint64
}

// NewOptimisticLockManager creates an OptimisticLockManager. now may be
// nil.
func NewOptimisticLockManager(logger *slog.Logger, now func() time.Time) *OptimisticLockManager {
	if now == nil {
		now = time.Now
	}
	return &OptimisticLockManager{
		locks:  make(map[string]*versionedLock),
		now:    now,
		logger: logging.Component(logger, "optimistic-lock"),
	}
}

// AcquireLock records agentID as the latest reader of resourceID and
// returns the current version. Unknown resources start at version 0.
func (m *OptimisticLockManager) AcquireLock(resourceID, agentID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[resourceID]
	if !ok {
		l = &versionedLock{}
		m.locks[resourceID] = l
	}
	l.holder = agentID
	l.acquiredAt = m.now()
	return l.version
}

// ValidateAndUpdate bumps the version and clears the hold when agentID
// holds the latest AcquireLock for resourceID and expected is still
// current. It reports whether the update was applied.
func (m *OptimisticLockManager) ValidateAndUpdate(resourceID, agentID string, expected uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[resourceID]
	if !ok || l.holder != agentID || l.version != expected {
		m.rejections++
		return false
	}
	l.version++
	l.holder = ""
	l.acquiredAt = time.Time{}
	m.commits++
	return true
}

// Version returns the current version of resourceID.
func (m *OptimisticLockManager) Version(resourceID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[resourceID]; ok {
		return l.version
	}
	return 0
}

// Release drops agentID's hold without changing the version.
func (m *OptimisticLockManager) Release(resourceID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[resourceID]; ok && l.holder == agentID {
		l.holder = ""
		l.acquiredAt = time.Time{}
	}
}

// Sweep clears holds older than maxAge. Versions are kept so a swept
// resource can never reuse an old version.
func (m *OptimisticLockManager) Sweep(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for id, l := range m.locks {
		if l.holder != "" && l.acquiredAt.Before(cutoff) {
			m.logger.Debug("clearing stale optimistic hold", "resource_id", id, "agent_id", l.holder)
			l.holder = ""
			l.acquiredAt = time.Time{}
			cleared++
		}
	}
	return cleared
}

// Stats returns CAS counters.
func (m *OptimisticLockManager) Stats() OptimisticStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := OptimisticStats{Resources: len(m.locks), Commits: m.commits, Rejections: m.rejections}
	for _, l := range m.locks {
		if l.holder != "" {
			s.Held++
		}
	}
	return s
}
