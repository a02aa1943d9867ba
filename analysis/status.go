package analysis

// Status is the lifecycle of an AnalysisRecord. Transitions are monotonic
// within a single pipeline run; a record never moves backwards.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusScoring    Status = "scoring"
	StatusPersisted  Status = "persisted"
	StatusNarrating  Status = "narrating"
	StatusVoicing    Status = "voicing"
	StatusDelivering Status = "delivering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusFetching:   1,
	StatusScoring:    2,
	StatusPersisted:  3,
	StatusNarrating:  4,
	StatusVoicing:    5,
	StatusDelivering: 6,
	StatusCompleted:  7,
	StatusFailed:     7, // terminal; ranked alongside completed so nothing follows it
}

// InFlight reports whether a record with this status has a pipeline run
// actively working on it. Pending and the terminal states are not in flight.
func (s Status) InFlight() bool {
	switch s {
	case StatusFetching, StatusScoring, StatusPersisted, StatusNarrating, StatusVoicing, StatusDelivering:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// canAdvance reports whether moving from s to next respects monotonic ordering.
func (s Status) canAdvance(next Status) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur || (nxt == cur && s == next)
}
