package engine

import "github.com/birchkv/birch/internal/session"

// StartSession creates a fresh session handle bound to the engine's current
// version, registers it, and returns it. Read, RMW and Delete take a
// session handle (there is no ambient, thread-local session); Upsert takes
// none.
func (e *Engine[K, V, In, Out]) StartSession() *session.Session {
	_, version := e.checkpoint.SystemState()
	s := session.New(version)
	e.sessions.Put(s)
	return s
}

// ContinueSession resumes a previously stopped session identified by guid,
// seeding its serial-number counter from a persisted commit point (as
// recorded by RestoreCommitPoints during Recover).
func (e *Engine[K, V, In, Out]) ContinueSession(guid string, commit session.CommitPoint) *session.Session {
	_, version := e.checkpoint.SystemState()
	s := session.Resume(guid, version, commit)
	e.sessions.Put(s)
	return s
}

// StopSession unregisters sess. Any I/O still pending against it is
// abandoned; callers should CompletePending first if they need every
// outstanding operation to run to completion.
func (e *Engine[K, V, In, Out]) StopSession(sess *session.Session) {
	e.sessions.Delete(sess.Guid)
}

// Refresh advances sess to the engine's current system-state phase and
// version, the cooperative step every checkpoint phase transition depends
// on every active session eventually taking.
func (e *Engine[K, V, In, Out]) Refresh(sess *session.Session) {
	phase, version := e.checkpoint.SystemState()
	sess.SetPhase(phase)
	if version != sess.Version() {
		sess.BeginVersionShift()
		sess.SetVersion(version)
	}
}
