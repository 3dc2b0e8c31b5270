package domain

import "time"

// Pattern is a cluster of recurring STM/LTM content the pattern detector
// has grouped together, tracked in the patterns table until it either
// decays away or is promoted into a durable preference record.
type Pattern struct {
	ID          string
	Label       string
	MemberIDs   []string
	Occurrences int
	Confidence  float64
	Promoted    bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
