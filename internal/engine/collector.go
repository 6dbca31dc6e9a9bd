package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"onchainpoker/apps/chain/internal/state"
)

// Collector is the in-memory form of state.CollectorSnapshot. It is
// loaded from a table at the start of an operation and saved back before
// returning.
type Collector struct {
	Kind                            VoteKind
	Created                         int64
	Expiration                      int64
	ScheduledVoting                 int64
	Votes                           map[string]VoteData
	RequiredPlayerVoters            map[string]bool
	RequiredWitnessVoters           map[string]bool
	VotedWitnesses                  map[string]bool
	WitnessesAllowedForSubstitution uint32
	EtalonVote                      *VoteData
}

func newCollector(kind VoteKind) *Collector {
	return &Collector{
		Kind:                  kind,
		ScheduledVoting:       state.MaxTime,
		Votes:                 map[string]VoteData{},
		RequiredPlayerVoters:  map[string]bool{},
		RequiredWitnessVoters: map[string]bool{},
		VotedWitnesses:        map[string]bool{},
	}
}

// LoadCollector reads the persisted collector snapshot off a table, or
// returns nil if none is open.
func LoadCollector(t *state.Table) (*Collector, error) {
	if t.Collector == nil {
		return nil, nil
	}
	snap := t.Collector
	c := &Collector{
		Kind:                            VoteKind(snap.Kind),
		Created:                         snap.Created,
		Expiration:                      snap.Expiration,
		ScheduledVoting:                 snap.ScheduledVoting,
		Votes:                           map[string]VoteData{},
		RequiredPlayerVoters:            toSet(snap.RequiredPlayerVoters),
		RequiredWitnessVoters:           toSet(snap.RequiredWitnessVoters),
		VotedWitnesses:                  toSet(snap.VotedWitnesses),
		WitnessesAllowedForSubstitution: snap.WitnessesAllowedForSubstitution,
	}
	if len(snap.Votes) > 0 {
		if err := json.Unmarshal(snap.Votes, &c.Votes); err != nil {
			return nil, fmt.Errorf("decode collector votes: %w", err)
		}
	}
	if len(snap.EtalonVote) > 0 {
		var v VoteData
		if err := json.Unmarshal(snap.EtalonVote, &v); err != nil {
			return nil, fmt.Errorf("decode etalon vote: %w", err)
		}
		c.EtalonVote = &v
	}
	return c, nil
}

// Save persists the collector onto the table, or clears it if c is nil.
func Save(t *state.Table, c *Collector) {
	if c == nil {
		t.Collector = nil
		return
	}
	votesBytes, _ := json.Marshal(c.Votes)
	snap := &state.CollectorSnapshot{
		Kind:                            string(c.Kind),
		Created:                         c.Created,
		Expiration:                      c.Expiration,
		ScheduledVoting:                 c.ScheduledVoting,
		Votes:                           votesBytes,
		RequiredPlayerVoters:            fromSet(c.RequiredPlayerVoters),
		RequiredWitnessVoters:           fromSet(c.RequiredWitnessVoters),
		VotedWitnesses:                  fromSet(c.VotedWitnesses),
		WitnessesAllowedForSubstitution: c.WitnessesAllowedForSubstitution,
	}
	if c.EtalonVote != nil {
		snap.EtalonVote, _ = json.Marshal(c.EtalonVote)
	}
	t.Collector = snap
}

func toSet(s []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range s {
		out[v] = true
	}
	return out
}

func fromSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AdmitVote applies the admission rule to an incoming vote-op from voter
// on table t. now is the block's head_time, used (with the chain's
// configured block interval) when the tally-ready predicate first
// becomes true.
//
// On success it records the vote (opening a collector if needed) and
// drains the pending-vote queue; on rejection it returns an error and
// leaves t unmodified.
func AdmitVote(st *state.State, t *state.Table, opTableOwner string, kind VoteKind, voter string, data VoteData, now int64, params state.Params) error {
	if !state.IsTableOwner(st, t, opTableOwner) {
		return ErrWrongTableOwner
	}
	if err := checkIncomingVote(st, t, kind, voter, data); err != nil {
		return err
	}

	existing, err := LoadCollector(t)
	if err != nil {
		return err
	}

	if existing == nil && !state.IsTableOwner(st, t, voter) && !IsWitness(st, voter) {
		if hasPendingVote(t, voter) {
			return ErrDuplicateVote
		}
		raw, _ := json.Marshal(data)
		t.PendingVotes = append(t.PendingVotes, state.PendingVoteSnapshot{
			Voter: voter,
			Kind:  string(kind),
			Data:  raw,
		})
		return nil
	}

	c := existing
	if c == nil {
		c = openCollector(st, t, kind, voter, data, now, params)
	}
	recordVote(st, t, c, voter, data)
	Save(t, c)

	drainPending(st, t, now, params)

	c2, err := LoadCollector(t)
	if err != nil {
		return err
	}
	if c2 != nil && isTallyReady(t, c2, params) && c2.ScheduledVoting == state.MaxTime {
		c2.ScheduledVoting = now + params.BlockIntervalSeconds
		if c2.Expiration < c2.ScheduledVoting+params.BlockIntervalSeconds {
			c2.Expiration = c2.ScheduledVoting + params.BlockIntervalSeconds
		}
		Save(t, c2)
	}
	return nil
}

// checkIncomingVote implements admission steps 1-4 without mutating
// anything.
func checkIncomingVote(st *state.State, t *state.Table, kind VoteKind, voter string, data VoteData) error {
	if t == nil {
		return ErrUnknownTable
	}
	switch kind {
	case VoteKindInitial:
		if !t.IsFree() {
			return ErrWrongVoteState
		}
	case VoteKindResult:
		if !t.IsPlaying() {
			return ErrWrongVoteState
		}
	}

	c, err := LoadCollector(t)
	if err != nil {
		return err
	}
	if c != nil {
		if _, voted := c.Votes[voter]; voted {
			return ErrDuplicateVote
		}
	} else if hasPendingVote(t, voter) {
		return ErrDuplicateVote
	}

	if !isEligibleVoter(st, t, kind, voter) {
		return ErrIneligibleVoter
	}

	return validateInvariants(st, t, kind, data)
}

func hasPendingVote(t *state.Table, voter string) bool {
	for _, pv := range t.PendingVotes {
		if pv.Voter == voter {
			return true
		}
	}
	return false
}

func isEligibleVoter(st *state.State, t *state.Table, kind VoteKind, voter string) bool {
	if state.IsTableOwner(st, t, voter) {
		return true
	}
	if IsWitness(st, voter) {
		return true
	}
	switch kind {
	case VoteKindInitial:
		_, ok := t.Cash[voter]
		return ok
	case VoteKindResult:
		_, ok := t.PlayingCash[voter]
		return ok
	}
	return false
}

// IsWitness delegates to state.IsWitness; exported here so callers in
// internal/app only need to import internal/engine.
func IsWitness(st *state.State, account string) bool {
	return state.IsWitness(st, account)
}

func validateInvariants(st *state.State, t *state.Table, kind VoteKind, data VoteData) error {
	switch kind {
	case VoteKindInitial:
		return validateInitial(st, t, data)
	case VoteKindResult:
		return validateResult(st, t, data)
	}
	return ErrInvalidVoteData
}

func validateInitial(st *state.State, t *state.Table, data VoteData) error {
	if data.Kind != VoteKindInitial || data.Initial == nil {
		return ErrInvalidVoteData
	}
	if len(data.Initial.Cash) == 0 {
		return ErrEmptyStartVote
	}
	for acct, amount := range data.Initial.Cash {
		if amount == 0 {
			return ErrInvalidVoteData
		}
		have, seated := t.Cash[acct]
		if !seated {
			return ErrPlayerNotSeated
		}
		if have < amount {
			return ErrInsufficientCash
		}
	}
	c, err := LoadCollector(t)
	if err != nil {
		return err
	}
	if c != nil && c.EtalonVote != nil {
		if !sameStringSet(c.EtalonVote.PlayerSet(), data.PlayerSet()) {
			return ErrEtalonMismatch
		}
	}
	return nil
}

func validateResult(st *state.State, t *state.Table, data VoteData) error {
	if data.Kind != VoteKindResult || data.Result == nil {
		return ErrInvalidVoteData
	}
	if len(data.Result.Cash) == 0 {
		// Empty result-vote means "cancel"; always accepted.
		return nil
	}
	var total uint64
	for acct, r := range data.Result.Cash {
		if _, ok := t.PlayingCash[acct]; !ok {
			return ErrPlayerNotSeated
		}
		sum, ok := addChecked(r.Cash, r.Rake)
		if !ok {
			return ErrInvalidVoteData
		}
		total += sum
		_ = acct
	}
	if !sameStringSet(t.PlayingPlayers(), data.PlayerSet()) {
		return ErrPlayerSetMismatch
	}
	var playingTotal uint64
	for _, amt := range t.PlayingCash {
		playingTotal += amt
	}
	if total != playingTotal {
		return ErrCashNotConserved
	}
	return nil
}

func addChecked(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// openCollector initializes a newly opened collector's required-voter
// bookkeeping from the opener's vote.
func openCollector(st *state.State, t *state.Table, kind VoteKind, opener string, data VoteData, now int64, params state.Params) *Collector {
	c := newCollector(kind)
	c.Created = now
	switch kind {
	case VoteKindInitial:
		c.Expiration = now + params.VotingForPlayingExpirationSeconds
	case VoteKindResult:
		c.Expiration = now + params.VotingForResultsExpirationSeconds
	}

	isOwnerStart := kind == VoteKindInitial && state.IsTableOwner(st, t, opener)
	if isOwnerStart {
		for _, acct := range data.RequiredVoterAccounts() {
			c.RequiredPlayerVoters[acct] = true
		}
		v := data
		c.EtalonVote = &v
		c.WitnessesAllowedForSubstitution = substitutionAllowance(len(c.RequiredPlayerVoters), params.PctWitnessSubstitutionPlaying)
	} else {
		for _, acct := range t.PlayingPlayers() {
			c.RequiredPlayerVoters[acct] = true
		}
		var pct uint32
		if kind == VoteKindInitial {
			pct = params.PctWitnessSubstitutionPlaying
		} else {
			pct = params.PctWitnessSubstitutionResults
		}
		c.WitnessesAllowedForSubstitution = substitutionAllowance(len(c.RequiredPlayerVoters), pct)
	}

	if kind == VoteKindResult {
		for w := range t.VotedWitnesses {
			c.RequiredWitnessVoters[w] = true
		}
	}
	return c
}

func substitutionAllowance(requiredPlayers int, pct uint32) uint32 {
	return uint32(requiredPlayers) * pct / 100
}

// recordVote applies voter's vote to the collector's bookkeeping.
func recordVote(st *state.State, t *state.Table, c *Collector, voter string, data VoteData) {
	if c.RequiredPlayerVoters[voter] {
		delete(c.RequiredPlayerVoters, voter)
	} else if IsWitness(st, voter) && !state.IsTableOwner(st, t, voter) {
		c.VotedWitnesses[voter] = true
		if c.Kind == VoteKindInitial {
			c.RequiredWitnessVoters[voter] = true
		} else {
			delete(c.RequiredWitnessVoters, voter)
		}
	}
	c.Votes[voter] = data
}

// isTallyReady is the tally-ready predicate.
func isTallyReady(t *state.Table, c *Collector, params state.Params) bool {
	substitutionSuffices := uint32(len(c.VotedWitnesses)) >= c.WitnessesAllowedForSubstitution &&
		uint32(len(c.RequiredPlayerVoters)) <= c.WitnessesAllowedForSubstitution

	switch c.Kind {
	case VoteKindInitial:
		return uint32(len(c.VotedWitnesses)) >= uint32(t.RequiredWitnesses) &&
			(len(c.RequiredPlayerVoters) == 0 || substitutionSuffices)
	case VoteKindResult:
		return len(c.RequiredWitnessVoters) == 0 &&
			(len(c.RequiredPlayerVoters) == 0 || substitutionSuffices)
	}
	return false
}

// IsTallyReady exposes the predicate for FinalizeBlock's expiration/tally
// scheduling pass.
func IsTallyReady(t *state.Table, c *Collector, params state.Params) bool {
	return isTallyReady(t, c, params)
}

// drainPending re-admits every pending vote against the table's *current*
// state: each is revalidated fresh, and dropped (never re-queued) on
// failure, emitting fail_vote.
func drainPending(st *state.State, t *state.Table, now int64, params state.Params) {
	if len(t.PendingVotes) == 0 {
		return
	}
	pending := t.PendingVotes
	t.PendingVotes = nil
	owner := ownerOf(st, t)
	for _, pv := range pending {
		var data VoteData
		if err := json.Unmarshal(pv.Data, &data); err != nil {
			continue
		}
		if err := AdmitVote(st, t, owner, VoteKind(pv.Kind), pv.Voter, data, now, params); err != nil {
			st.AppendEvent(ownerOf(st, t), state.GameEvent{
				Kind:    state.EventFailVote,
				TableID: t.ID,
				Voter:   pv.Voter,
				Reason:  err.Error(),
			})
		}
	}
}

func ownerOf(st *state.State, t *state.Table) string {
	if r := st.Rooms[t.RoomID]; r != nil {
		return r.Owner
	}
	return ""
}
