package engine

import "github.com/birchkv/birch/internal/session"

func (e *Engine[K, V, In, Out]) storeResult(guid string, id uint64, status Status, out Out) {
	e.pendingMu.Lock()
	e.pendingResults[pendingKey{guid, id}] = pendingOutcome[Out]{status: status, out: out}
	e.pendingMu.Unlock()
}

func (e *Engine[K, V, In, Out]) takeResult(guid string, id uint64) (pendingOutcome[Out], bool) {
	key := pendingKey{guid, id}
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	res, ok := e.pendingResults[key]
	if ok {
		delete(e.pendingResults, key)
	}
	return res, ok
}

// CompletePending drains sess's retry queue — requests whose device I/O has
// completed since the last call — and fires the matching completion
// callback for each. A request whose device I/O is still outstanding stays
// queued and is picked up by a later call.
func (e *Engine[K, V, In, Out]) CompletePending(sess *session.Session) {
	for _, r := range sess.DrainRetries() {
		res, ok := e.takeResult(sess.Guid, r.ID)
		if !ok {
			continue
		}
		switch r.Op {
		case session.OpRead:
			if e.functions.OnReadComplete != nil {
				e.functions.OnReadComplete(res.status, res.out)
			}
		case session.OpUpsert:
			if e.functions.OnUpsertComplete != nil {
				e.functions.OnUpsertComplete(res.status)
			}
		case session.OpRMW:
			if e.functions.OnRMWComplete != nil {
				e.functions.OnRMWComplete(res.status)
			}
		case session.OpDelete:
			if e.functions.OnDeleteComplete != nil {
				e.functions.OnDeleteComplete(res.status)
			}
		}
	}
}

// GetPendingRequests reports the serial numbers of every request sess has
// issued but not yet seen completed.
func (e *Engine[K, V, In, Out]) GetPendingRequests(sess *session.Session) []uint64 {
	return sess.GetPendingRequests()
}
