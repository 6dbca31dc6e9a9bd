package engine

import (
	"bytes"
	"sort"
)

// TallyResult is the outcome of a deterministic tally.
type TallyResult struct {
	Consensus          bool
	ValidVote          VoteData
	InvalidVoters       []string // voters outside the winning bucket
}

// Tally groups c.Votes by digest and selects the winning bucket.
// requiredPercent is the tally threshold parameter for this vote kind.
func Tally(c *Collector, requiredPercent uint32) TallyResult {
	type bucket struct {
		digest [20]byte
		voters []string
		vote   VoteData
	}

	buckets := map[[20]byte]*bucket{}
	for voter, vote := range c.Votes {
		d := vote.Digest()
		b, ok := buckets[d]
		if !ok {
			b = &bucket{digest: d, vote: vote}
			buckets[d] = b
		}
		b.voters = append(b.voters, voter)
	}

	totalVotes := len(c.Votes)
	if totalVotes == 0 || len(buckets) == 0 {
		return TallyResult{Consensus: false}
	}

	missPercent := (len(buckets) - 1) * 100 / totalVotes
	if uint32(missPercent) > 100-requiredPercent {
		return TallyResult{Consensus: false}
	}

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		sort.Strings(b.voters)
		ordered = append(ordered, b)
	}
	// Largest bucket wins; ties broken by smaller digest. Never rely on
	// map iteration order for this.
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].voters) != len(ordered[j].voters) {
			return len(ordered[i].voters) > len(ordered[j].voters)
		}
		return bytes.Compare(ordered[i].digest[:], ordered[j].digest[:]) < 0
	})
	winner := ordered[0]

	if winner.digest == ZeroDigest {
		return TallyResult{Consensus: false}
	}

	var invalid []string
	for _, b := range ordered[1:] {
		invalid = append(invalid, b.voters...)
	}
	sort.Strings(invalid)

	return TallyResult{
		Consensus:    true,
		ValidVote:    winner.vote,
		InvalidVoters: invalid,
	}
}
