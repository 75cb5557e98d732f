package model

import (
	"fmt"
	"strings"
)

// Consistency is the number of replica acknowledgements a coordinator must
// collect before answering the client.
type Consistency string

const (
	ConsistencyOne    Consistency = "one"
	ConsistencyQuorum Consistency = "quorum"
	ConsistencyAll    Consistency = "all"
)

// ParseConsistency normalizes a wire-level consistency string.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one":
		return ConsistencyOne, nil
	case "quorum", "":
		return ConsistencyQuorum, nil
	case "all":
		return ConsistencyAll, nil
	default:
		return "", fmt.Errorf("invalid consistency level %q: must be one of: one, quorum, all", s)
	}
}

// Required returns how many acks are needed out of replicationFactor
// replicas: ONE=1, QUORUM=floor(N/2)+1, ALL=N.
func (c Consistency) Required(replicationFactor int) int {
	switch c {
	case ConsistencyOne:
		return 1
	case ConsistencyAll:
		return replicationFactor
	default:
		return replicationFactor/2 + 1
	}
}
