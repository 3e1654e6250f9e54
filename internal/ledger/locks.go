package ledger

import (
	"sync"

	"dossier/internal/casestore"
)

// caseLocks orders evidence.updated publishes for one case arena. Ingest
// holds gate exclusively while a record becomes visible and takes the
// record lock before releasing it, so no enrichment of a new record can
// publish ahead of its ingest.
type caseLocks struct {
	arena *casestore.Case
	gate  sync.RWMutex

	mu      sync.Mutex
	records map[string]*sync.Mutex
}

func (c *caseLocks) record(evidenceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.records[evidenceID]
	if !ok {
		lock = &sync.Mutex{}
		c.records[evidenceID] = lock
	}
	return lock
}

func (c *caseLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// locksFor returns the lock set of the case's current arena. A reset installs
// a new arena, which drops the locks of the old one.
func (l *Ledger) locksFor(caseID string) (*caseLocks, error) {
	arena, err := l.store.Case(caseID)
	if err != nil {
		return nil, err
	}
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	locks, ok := l.locks[caseID]
	if !ok || locks.arena != arena {
		locks = &caseLocks{arena: arena, records: make(map[string]*sync.Mutex)}
		l.locks[caseID] = locks
	}
	return locks, nil
}

// lockedRecords reports how many record locks the case's current arena holds.
func (l *Ledger) lockedRecords(caseID string) int {
	l.locksMu.Lock()
	locks, ok := l.locks[caseID]
	l.locksMu.Unlock()
	if !ok {
		return 0
	}
	return locks.size()
}
