package syncstage

import (
	"errors"
	"testing"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/election"
	"nhbchain/params"
	"nhbchain/registry"
)

type fakeTransport struct {
	fullListCalls   map[string]int
	paymentSyncCall map[string]int
	lowDataCalls    map[string]int
	disconnected    map[string]bool
	failFullList    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fullListCalls:   make(map[string]int),
		paymentSyncCall: make(map[string]int),
		lowDataCalls:    make(map[string]int),
		disconnected:    make(map[string]bool),
	}
}

func (f *fakeTransport) RequestFeatureFlags(peer string) error { return nil }

func (f *fakeTransport) RequestFullList(peer string) error {
	if f.failFullList {
		return errors.New("no route to peer")
	}
	f.fullListCalls[peer]++
	return nil
}

func (f *fakeTransport) RequestPaymentSync(peer string, storageLimit uint32) error {
	f.paymentSyncCall[peer]++
	return nil
}

func (f *fakeTransport) RequestLowDataBlocks(peer string, heights []uint32) error {
	f.lowDataCalls[peer] += len(heights)
	return nil
}

func (f *fakeTransport) Disconnect(peer string) error {
	f.disconnected[peer] = true
	return nil
}

func newTestSync(transport Transport) (*Sync, *chainoracle.Fake) {
	oracle := chainoracle.NewFake()
	oracle.SetSynced(true)
	reg := registry.New(oracle, params.Mainnet)
	elec := election.New(reg, oracle, params.MinPaymentProtoDefault)
	return New(reg, elec, oracle, transport), oracle
}

func TestSyncAdvancesFromInitialToList(t *testing.T) {
	s, _ := newTestSync(newFakeTransport())
	s.Tick(nil, time.Unix(0, 0))
	if got := s.Stage(); got != List {
		t.Fatalf("expected stage List after first synced tick, got %v", got)
	}
}

func TestSyncStaysInSporksUntilChainSynced(t *testing.T) {
	transport := newFakeTransport()
	s, oracle := newTestSync(transport)
	oracle.SetSynced(false)
	s.Tick(nil, time.Unix(0, 0))
	if got := s.Stage(); got != Sporks {
		t.Fatalf("expected stage Sporks while unsynced, got %v", got)
	}
	oracle.SetSynced(true)
	s.Tick(nil, time.Unix(1, 0))
	if got := s.Stage(); got != List {
		t.Fatalf("expected stage List once synced, got %v", got)
	}
}

func TestSyncListStageRequestsFullListOncePerPeer(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	s.Tick(nil, time.Unix(0, 0)) // Initial -> List

	peers := []ConnectedPeer{{ID: "peer-a"}}
	s.Tick(peers, time.Unix(1, 0))
	s.Tick(peers, time.Unix(2, 0))

	if transport.fullListCalls["peer-a"] != 1 {
		t.Fatalf("expected exactly one full-list request, got %d", transport.fullListCalls["peer-a"])
	}
}

func TestSyncSkipsServiceNodeOnlyPeers(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	s.Tick(nil, time.Unix(0, 0))

	peers := []ConnectedPeer{{ID: "peer-a", ServiceNodeOnly: true}}
	s.Tick(peers, time.Unix(1, 0))

	if transport.fullListCalls["peer-a"] != 0 {
		t.Fatalf("expected zeronode-only peer to be skipped entirely")
	}
}

func TestSyncFailsAfterQuietTimeoutWithNoAttempts(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	start := time.Unix(0, 0)
	s.Tick(nil, start) // enters List, no peers to drive

	later := start.Add(params.SyncQuietTimeout + time.Second)
	s.Tick(nil, later)
	if got := s.Stage(); got != Failed {
		t.Fatalf("expected stage Failed after quiet timeout with no attempts, got %v", got)
	}
}

func TestSyncFailedStageCooldownThenRetries(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	start := time.Unix(0, 0)
	s.Tick(nil, start)
	s.Tick(nil, start.Add(params.SyncQuietTimeout+time.Second))
	if got := s.Stage(); got != Failed {
		t.Fatalf("expected Failed, got %v", got)
	}

	tooSoon := start.Add(params.SyncQuietTimeout + 2*time.Second)
	s.Tick(nil, tooSoon)
	if got := s.Stage(); got != Failed {
		t.Fatalf("expected to remain Failed before cooldown elapses, got %v", got)
	}

	afterCooldown := start.Add(params.SyncQuietTimeout + params.SyncFailureCooldown + 2*time.Second)
	s.Tick(nil, afterCooldown)
	if got := s.Stage(); got != List {
		t.Fatalf("expected retry into List after cooldown, got %v", got)
	}
}

func TestSyncMarkPeerFullySyncedDisconnectsOnce(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	s.MarkPeerFullySynced("peer-a")
	s.MarkPeerFullySynced("peer-a")
	if !transport.disconnected["peer-a"] {
		t.Fatalf("expected peer-a to be disconnected")
	}
}

func TestVotesStageAdvancesToFinishedOnThreshold(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSync(transport)
	now := time.Unix(0, 0)

	s.mu.Lock()
	s.enterLocked(Votes, now)
	s.mu.Unlock()

	limit := params.StorageLimit(s.reg.Size())
	s.NoteBlockCountAndAdvance(limit, limit*params.LowDataVoteThreshold, now)
	if got := s.Stage(); got == Finished {
		t.Fatalf("expected not-yet-finished at the exact threshold, got %v", got)
	}

	s.NoteBlockCountAndAdvance(limit+1, limit*params.LowDataVoteThreshold+1, now)
	if got := s.Stage(); got != Finished {
		t.Fatalf("expected Finished once both counters exceed the threshold, got %v", got)
	}
}
