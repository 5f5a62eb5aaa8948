package consensus

import (
	"testing"

	"github.com/hypermesh-online/hypermesh/internal/identity"
)

func TestAppendAssignsContiguousIndices(t *testing.T) {
	log := newReplicator()

	for i := uint64(0); i < 5; i++ {
		entry := log.append(1, SetProposal{Key: "k", Value: []byte("v")})
		if entry.Index != i {
			t.Errorf("entry %d assigned index %d", i, entry.Index)
		}
		if entry.Timestamp.IsZero() {
			t.Error("append did not stamp a timestamp")
		}
	}
	if log.length() != 5 {
		t.Errorf("length = %d, want 5", log.length())
	}
}

func TestTruncateFrom(t *testing.T) {
	log := newReplicator()
	for i := 0; i < 5; i++ {
		log.append(1, DeleteProposal{Key: "k"})
	}

	log.truncateFrom(2)
	if log.length() != 2 {
		t.Errorf("length after truncation = %d, want 2", log.length())
	}

	// Truncating beyond the end is a no-op.
	log.truncateFrom(10)
	if log.length() != 2 {
		t.Errorf("length after no-op truncation = %d, want 2", log.length())
	}

	// The next append reuses the truncated index.
	entry := log.append(2, SetProposal{Key: "k", Value: nil})
	if entry.Index != 2 {
		t.Errorf("post-truncation append index = %d, want 2", entry.Index)
	}
}

func TestRestoreRejectsOutOfOrder(t *testing.T) {
	log := newReplicator()

	if !log.restore(&LogEntry{Index: 0, Term: 1, Proposal: DeleteProposal{Key: "k"}}) {
		t.Error("restore rejected in-order entry")
	}
	if log.restore(&LogEntry{Index: 2, Term: 1, Proposal: DeleteProposal{Key: "k"}}) {
		t.Error("restore accepted out-of-order entry")
	}
}

func TestEntryLookup(t *testing.T) {
	log := newReplicator()
	log.append(1, SetProposal{Key: "a", Value: []byte("1")})

	if _, ok := log.entry(0); !ok {
		t.Error("entry 0 not found")
	}
	if _, ok := log.entry(1); ok {
		t.Error("found entry past the end")
	}
}

func TestNewLeaderState(t *testing.T) {
	peers := []identity.NodeID{"node-2", "node-3"}
	ls := newLeaderState(peers, 7)

	for _, peer := range peers {
		if ls.nextIndex[peer] != 7 {
			t.Errorf("nextIndex[%s] = %d, want 7", peer, ls.nextIndex[peer])
		}
		if ls.matchIndex[peer] != 0 {
			t.Errorf("matchIndex[%s] = %d, want 0", peer, ls.matchIndex[peer])
		}
	}
}
