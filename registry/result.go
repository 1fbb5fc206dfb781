package registry

// Outcome enumerates the three shapes an ingest call can resolve to (§4.1).
type Outcome int

const (
	// Accepted means the message was new and applied to the registry.
	Accepted Outcome = iota
	// AcceptedSeen means the message duplicates a cached one within its
	// freshness window; no DoS penalty, no state change beyond a
	// timestamp refresh.
	AcceptedSeen
	// Rejected means the message failed validation; DoS carries the
	// misbehavior points the transport layer should apply to the source
	// peer.
	Rejected
)

// IngestResult is the result-carrying type returned by every gossip ingest
// path, replacing exception-based control flow (§9).
type IngestResult struct {
	Outcome Outcome
	DoS     uint8
	Reason  string
}

func accepted() IngestResult { return IngestResult{Outcome: Accepted} }

func acceptedSeen() IngestResult { return IngestResult{Outcome: AcceptedSeen} }

func rejected(dos uint8, reason string) IngestResult {
	return IngestResult{Outcome: Rejected, DoS: dos, Reason: reason}
}

// Ok reports whether the message was applied (fresh or cached).
func (r IngestResult) Ok() bool { return r.Outcome == Accepted || r.Outcome == AcceptedSeen }
