package consensus

import (
	"time"

	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// replicator owns the append-only proposal log. Indices are contiguous from 0
// and assigned at append time; entries are never removed except by suffix
// truncation on leadership change.
type replicator struct {
	entries []*LogEntry
}

func newReplicator() *replicator {
	return &replicator{}
}

// append creates the next entry with index == current log length.
func (r *replicator) append(term uint64, proposal Proposal) *LogEntry {
	entry := &LogEntry{
		Term:      term,
		Index:     uint64(len(r.entries)),
		Proposal:  proposal,
		Timestamp: time.Now(),
	}
	r.entries = append(r.entries, entry)
	return entry
}

// restore re-adds a persisted entry. Only valid during startup replay while
// the entry's index equals the current length.
func (r *replicator) restore(entry *LogEntry) bool {
	if entry.Index != uint64(len(r.entries)) {
		return false
	}
	r.entries = append(r.entries, entry)
	return true
}

func (r *replicator) length() uint64 {
	return uint64(len(r.entries))
}

func (r *replicator) entry(index uint64) (*LogEntry, bool) {
	if index >= uint64(len(r.entries)) {
		return nil, false
	}
	return r.entries[index], true
}

// truncateFrom discards every entry with index >= from.
func (r *replicator) truncateFrom(from uint64) {
	if from < uint64(len(r.entries)) {
		r.entries = r.entries[:from]
	}
}

// leaderState tracks per-follower replication offsets. It exists only while
// the node is leader and is rebuilt from the log length on every election win.
type leaderState struct {
	nextIndex  map[identity.NodeID]uint64
	matchIndex map[identity.NodeID]uint64
}

func newLeaderState(peers []identity.NodeID, logLength uint64) *leaderState {
	ls := &leaderState{
		nextIndex:  make(map[identity.NodeID]uint64, len(peers)),
		matchIndex: make(map[identity.NodeID]uint64, len(peers)),
	}
	for _, peer := range peers {
		ls.nextIndex[peer] = logLength
		ls.matchIndex[peer] = 0
	}
	return ls
}
