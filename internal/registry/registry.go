// Package registry holds process-wide concurrent lookup tables that sit
// outside the CAS-only hash index core: the session-guid table
// StartSession/ContinueSession/StopSession need, and a guid -> commit
// point table that nothing in this module constructs or populates.
//
// Grounded on the corpus's sharded engine, which reaches for
// puzpuzpuz/xsync for exactly this shape of problem (a plain concurrent
// map, no ordering or range-scan requirement) rather than hand-rolling a
// sharded mutex map.
package registry

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/birchkv/birch/internal/session"
)

// Sessions is a concurrent guid -> *session.Session table.
type Sessions struct {
	m *xsync.MapOf[string, *session.Session]
}

func NewSessions() *Sessions {
	return &Sessions{m: xsync.NewMapOf[string, *session.Session]()}
}

func (s *Sessions) Put(sess *session.Session) { s.m.Store(sess.Guid, sess) }

func (s *Sessions) Get(guid string) (*session.Session, bool) { return s.m.Load(guid) }

func (s *Sessions) Delete(guid string) { s.m.Delete(guid) }

// Range calls f for every registered session; f returning false stops the
// iteration early.
func (s *Sessions) Range(f func(guid string, sess *session.Session) bool) {
	s.m.Range(f)
}

func (s *Sessions) Count() int { return s.m.Size() }

// CommitPoints is a concurrent guid -> session.CommitPoint table. The
// checkpoint path and ContinueSession do not use it: commit points reach
// ContinueSession as an argument.
type CommitPoints struct {
	m *xsync.MapOf[string, session.CommitPoint]
}

func NewCommitPoints() *CommitPoints {
	return &CommitPoints{m: xsync.NewMapOf[string, session.CommitPoint]()}
}

func (c *CommitPoints) Put(guid string, cp session.CommitPoint) { c.m.Store(guid, cp) }

func (c *CommitPoints) Get(guid string) (session.CommitPoint, bool) { return c.m.Load(guid) }

func (c *CommitPoints) Range(f func(guid string, cp session.CommitPoint) bool) {
	c.m.Range(f)
}
