// Package engine implements components D (vote collector) and E
// (consensus engine) of the arbitration core: the deterministic tally of
// start-playing and result votes, the pending-vote buffer, witness
// substitution, and the apply/rollback/expiration logic that moves chips
// in internal/state.
package engine

import (
	"sort"

	"golang.org/x/crypto/ripemd160"

	"onchainpoker/apps/chain/internal/detenc"
)

// VoteKind discriminates the two payload shapes a VoteData can carry.
// Modeled as a single tagged struct rather than two parallel types; every
// function that needs per-kind behavior switches on Kind instead of
// duplicating the admission, validation, and tally code paths.
type VoteKind string

const (
	VoteKindInitial VoteKind = "initial"
	VoteKindResult  VoteKind = "result"
)

// VoteData is one of GameInitial (start-vote) or GameResult (result-vote).
// Exactly one of Initial/Result is populated, selected by Kind.
type VoteData struct {
	Kind    VoteKind     `json:"kind"`
	Initial *InitialData `json:"initial,omitempty"`
	Result  *ResultData  `json:"result,omitempty"`
}

// InitialData is the start-vote payload: intended players and stakes.
type InitialData struct {
	Cash map[string]uint64 `json:"cash"`
	Info string            `json:"info"`
}

// ResultData is the result-vote payload: payouts and rake per player.
type ResultData struct {
	Cash map[string]PlayerResult `json:"cash"`
	Log  string                  `json:"log"`
}

type PlayerResult struct {
	Cash uint64 `json:"cash"`
	Rake uint64 `json:"rake"`
}

// Digest computes the 160-bit hash that is the sole equality criterion
// between votes: for an initial vote, hash (cash, info) with cash's
// entries in key order; for a result vote, hash (account, cash, rake)
// tuples in key order followed by log.
func (v VoteData) Digest() [20]byte {
	var payload []byte
	switch v.Kind {
	case VoteKindInitial:
		type kv struct {
			Account string `json:"account"`
			Amount  uint64 `json:"amount"`
		}
		entries := make([]kv, 0, len(v.Initial.Cash))
		for acct, amt := range v.Initial.Cash {
			entries = append(entries, kv{Account: acct, Amount: amt})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Account < entries[j].Account })
		payload = detenc.Marshal(struct {
			Cash []kv   `json:"cash"`
			Info string `json:"info"`
		}{Cash: entries, Info: v.Initial.Info})
	case VoteKindResult:
		type kv struct {
			Account string `json:"account"`
			Cash    uint64 `json:"cash"`
			Rake    uint64 `json:"rake"`
		}
		entries := make([]kv, 0, len(v.Result.Cash))
		for acct, r := range v.Result.Cash {
			entries = append(entries, kv{Account: acct, Cash: r.Cash, Rake: r.Rake})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Account < entries[j].Account })
		payload = detenc.Marshal(struct {
			Cash []kv   `json:"cash"`
			Log  string `json:"log"`
		}{Cash: entries, Log: v.Result.Log})
	}
	h := ripemd160.New()
	_, _ = h.Write(payload)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ZeroDigest is the degenerate digest rejected by the tally.
var ZeroDigest [20]byte

// RequiredVoterAccounts returns the player accounts the vote names, used
// to seed Collector.RequiredPlayerVoters when this vote opens a collector
// as the table owner's etalon.
func (v VoteData) RequiredVoterAccounts() []string {
	var out []string
	switch v.Kind {
	case VoteKindInitial:
		for acct := range v.Initial.Cash {
			out = append(out, acct)
		}
	case VoteKindResult:
		for acct := range v.Result.Cash {
			out = append(out, acct)
		}
	}
	sort.Strings(out)
	return out
}

// PlayerSet returns the sorted set of accounts named by the vote, used for
// etalon player-set comparisons.
func (v VoteData) PlayerSet() []string {
	return v.RequiredVoterAccounts()
}
