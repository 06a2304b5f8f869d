package queue

// InclusionRule decides which tokens count as "ahead" of a patient.
type InclusionRule string

const (
	// InclusionNumeric counts every token number between the current token
	// and the target, whether or not those patients have checked in yet.
	InclusionNumeric InclusionRule = "numeric"
	// InclusionWaiting counts only checked-in tokens ahead in serving order.
	InclusionWaiting InclusionRule = "waiting"
)

const DefaultAverageConsultationMinutes = 10

type EstimateOptions struct {
	AverageConsultationMinutes int
	Inclusion                  InclusionRule
}

type PositionEstimate struct {
	Token                int  `json:"token"`
	CurrentToken         int  `json:"current_token"`
	TokensAhead          int  `json:"tokens_ahead"`
	EstimatedWaitMinutes int  `json:"estimated_wait_minutes"`
	ProgressPercent      int  `json:"progress_percent"`
	Emergency            bool `json:"emergency"`
}

// EstimatePosition works out how far target is from being called. It only
// reads the snapshot.
func EstimatePosition(snapshot DoctorQueueState, target int, opts EstimateOptions) PositionEstimate {
	avg := opts.AverageConsultationMinutes
	if avg <= 0 {
		avg = DefaultAverageConsultationMinutes
	}

	current := snapshot.CurrentToken
	idx := snapshot.indexOf(target)
	self := WaitingEntry{Token: target}
	if idx >= 0 {
		self = snapshot.Waiting[idx]
	}

	ahead := 0
	switch {
	case self.Emergency && !self.Requeued:
		// Only other emergencies can be ahead of an emergency.
		for _, e := range snapshot.Waiting {
			if e.Emergency && !e.Requeued && precedes(snapshot, e, self, idx) {
				ahead++
			}
		}
	case opts.Inclusion == InclusionWaiting || self.Requeued:
		for _, e := range snapshot.Waiting {
			if precedes(snapshot, e, self, idx) {
				ahead++
			}
		}
	default:
		ahead = max(0, target-current-1)
		// Tokens outside (current, target) that still sit ahead in serving
		// order, such as emergencies with a higher number.
		for _, e := range snapshot.Waiting {
			if (e.Token > target || e.Token <= current) && precedes(snapshot, e, self, idx) {
				ahead++
			}
		}
	}

	progress := 0
	if current > 0 && target > 0 {
		progress = min(100, current*100/target)
	}

	return PositionEstimate{
		Token:                target,
		CurrentToken:         current,
		TokensAhead:          ahead,
		EstimatedWaitMinutes: ahead * avg,
		ProgressPercent:      progress,
		Emergency:            self.Emergency,
	}
}

// precedes reports whether e is served before self. selfIdx is self's index
// in the waiting list, or -1 when self has not checked in; in that case
// self is placed where a regular check-in would go.
func precedes(s DoctorQueueState, e, self WaitingEntry, selfIdx int) bool {
	if e.Token == self.Token {
		return false
	}
	if selfIdx >= 0 {
		return s.indexOf(e.Token) < selfIdx
	}
	if e.block() != self.block() {
		return e.block() < self.block()
	}
	return e.Token < self.Token
}
