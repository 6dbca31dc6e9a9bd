package engine

import (
	"sort"

	"onchainpoker/apps/chain/internal/state"
)

// RunTally loads the table's collector, tallies it, and applies the
// consensus (or lack of it): on success it mutates t via
// applyStartConsensus/applyResultConsensus, destroys the collector, and
// appends the matching audit
// events; on failure it destroys the collector and appends
// fail_consensus_start/fail_consensus_result. now is head_time.
func RunTally(st *state.State, t *state.Table, now int64, params state.Params) error {
	c, err := LoadCollector(t)
	if err != nil || c == nil {
		return err
	}

	var requiredPercent uint32
	if c.Kind == VoteKindInitial {
		requiredPercent = params.VotingForPlayingRequiredPercent
	} else {
		requiredPercent = params.VotingForResultsRequiredPercent
	}

	res := Tally(c, requiredPercent)
	owner := ownerOf(st, t)

	if !res.Consensus {
		Save(t, nil)
		if c.Kind == VoteKindInitial {
			st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailConsensusStart, TableID: t.ID})
		} else {
			st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailConsensusResult, TableID: t.ID})
			Rollback(st, t, RollbackGameOnly, now, params)
		}
		return nil
	}

	switch c.Kind {
	case VoteKindInitial:
		return applyStartConsensus(st, t, c, res, now, params)
	case VoteKindResult:
		return applyResultConsensus(st, t, c, res, now, params)
	}
	return nil
}

// applyStartConsensus moves agreed-upon cash into play and seeds game
// lifetime bookkeeping once a start vote reaches consensus.
func applyStartConsensus(st *state.State, t *state.Table, c *Collector, res TallyResult, now int64, params state.Params) error {
	owner := ownerOf(st, t)

	for acct, amount := range res.ValidVote.Initial.Cash {
		if err := t.MoveToPlay(acct, amount); err != nil {
			return err
		}
	}

	invalid := toSet(res.InvalidVoters)
	votedWitnesses := map[string]bool{}
	for w := range c.VotedWitnesses {
		if !invalid[w] {
			votedWitnesses[w] = true
		}
	}
	t.VotedWitnesses = votedWitnesses

	t.GameCreated = now
	t.GameExpiration = now + params.GameLifetimeLimitSeconds

	Save(t, nil)

	st.AppendEvent(owner, state.GameEvent{Kind: state.EventStartPlayingValidated, TableID: t.ID})
	for _, v := range res.InvalidVoters {
		st.AppendEvent(owner, state.GameEvent{Kind: state.EventFraudStartCheck, TableID: t.ID, Voter: v})
	}
	return nil
}

// applyResultConsensus settles payouts and rake once a result vote
// reaches consensus, or rolls the game back if the winning vote was
// empty (a cancel).
func applyResultConsensus(st *state.State, t *state.Table, c *Collector, res TallyResult, now int64, params state.Params) error {
	owner := ownerOf(st, t)

	if len(res.ValidVote.Result.Cash) == 0 {
		Rollback(st, t, RollbackGameOnly, now, params)
		return nil
	}

	result := res.ValidVote.Result
	if err := resolvePendingBuyOuts(st, t, owner, result); err != nil {
		return err
	}

	room := st.Rooms[t.RoomID]
	players := make([]string, 0, len(result.Cash))
	for acct := range result.Cash {
		players = append(players, acct)
	}
	sort.Strings(players)

	for _, acct := range players {
		pr := result.Cash[acct]
		if pr.Rake > 0 {
			a := st.Accounts[acct]
			if a == nil {
				a = &state.Account{}
				st.Accounts[acct] = a
			}
			a.PendingFees = append(a.PendingFees, state.PendingFee{
				Room:           t.RoomID,
				Amount:         pr.Rake,
				Metadata:       t.Metadata,
				VotedWitnesses: fromSet(t.VotedWitnesses),
			})
			if room != nil {
				room.PendingRake += pr.Rake
			}
		}
		delete(t.PlayingCash, acct)
		t.Cash[acct] += pr.Cash
	}

	// Defensive: return any residual playing cash (players not named in
	// the winning vote, e.g. a pending buy-out consumed all of theirs).
	for acct, amt := range t.PlayingCash {
		if amt > 0 {
			t.Cash[acct] += amt
		}
	}
	t.ClearPlay()

	t.GameCreated = state.MinTime
	t.GameExpiration = state.MaxTime
	t.VotedWitnesses = map[string]bool{}

	Save(t, nil)

	st.AppendEvent(owner, state.GameEvent{Kind: state.EventResultValidated, TableID: t.ID})
	for _, v := range res.InvalidVoters {
		st.AppendEvent(owner, state.GameEvent{Kind: state.EventFraudResultCheck, TableID: t.ID, Voter: v})
	}
	return nil
}

// resolvePendingBuyOuts settles each queued buy-out by subtracting from
// the voter's result cash (then table cash, then playing cash) in that
// order; emits buy_out_allowed for the satisfied portion and
// fraud_buy_out for any unsatisfied remainder.
func resolvePendingBuyOuts(st *state.State, t *state.Table, owner string, result *ResultData) error {
	toProcess := t.PendingBuyOuts
	t.PendingBuyOuts = nil
	for _, bo := range toProcess {
		need := bo.Amount
		if pr, ok := result.Cash[bo.Player]; ok {
			take := min64(need, pr.Cash)
			pr.Cash -= take
			result.Cash[bo.Player] = pr
			need -= take
		}
		if need > 0 {
			take := min64(need, t.Cash[bo.Player])
			t.Cash[bo.Player] -= take
			need -= take
		}
		if need > 0 {
			take := min64(need, t.PlayingCash[bo.Player])
			t.PlayingCash[bo.Player] -= take
			need -= take
		}
		satisfied := bo.Amount - need
		if satisfied > 0 {
			if err := st.Credit(bo.Player, satisfied); err != nil {
				return err
			}
			st.AppendEvent(owner, state.GameEvent{
				Kind: state.EventBuyOutAllowed, TableID: t.ID, Voter: bo.Player, Amount: satisfied, Reason: bo.Reason,
			})
		}
		if need > 0 {
			st.AppendEvent(owner, state.GameEvent{
				Kind: state.EventFraudBuyOut, TableID: t.ID, Voter: bo.Player, Amount: need, Reason: bo.Reason,
			})
		}
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// RollbackMode selects full vs game-only rollback.
type RollbackMode int

const (
	RollbackFull RollbackMode = iota
	RollbackGameOnly
)

// Rollback flushes pending buy-outs with an empty result (nothing
// consumed), clears the collector, resets timers, and either refunds
// everything to player accounts (full) or merges playing_cash back into
// cash (game-only).
func Rollback(st *state.State, t *state.Table, mode RollbackMode, now int64, params state.Params) {
	owner := ownerOf(st, t)

	empty := &ResultData{Cash: map[string]PlayerResult{}}
	_ = resolvePendingBuyOuts(st, t, owner, empty)

	switch mode {
	case RollbackFull:
		for acct, amt := range t.PlayingCash {
			t.Cash[acct] += amt
		}
		t.ClearPlay()
		for acct, amt := range t.Cash {
			if amt == 0 {
				continue
			}
			if err := st.Credit(acct, amt); err == nil {
				st.AppendEvent(owner, state.GameEvent{Kind: state.EventBuyInReturn, TableID: t.ID, Voter: acct, Amount: amt})
			}
		}
		t.Cash = map[string]uint64{}
	case RollbackGameOnly:
		for acct, amt := range t.PlayingCash {
			t.Cash[acct] += amt
			st.AppendEvent(owner, state.GameEvent{Kind: state.EventGameCashReturn, TableID: t.ID, Voter: acct, Amount: amt})
		}
		t.ClearPlay()
	}

	Save(t, nil)
	t.GameCreated = state.MinTime
	t.GameExpiration = state.MaxTime
	t.VotedWitnesses = map[string]bool{}

	st.AppendEvent(owner, state.GameEvent{Kind: state.EventRollback, TableID: t.ID})
}

// GameReset is the privileged table-owner op: discard any open
// collector and roll the table back, fully or game-only.
func GameReset(st *state.State, t *state.Table, rollbackTable bool, now int64, params state.Params) {
	Save(t, nil)
	if rollbackTable {
		Rollback(st, t, RollbackFull, now, params)
	} else {
		Rollback(st, t, RollbackGameOnly, now, params)
	}
}

// CheckExpirations is run at block boundaries before any new operation
// of the block is applied. It is safe to call on every table every block.
func CheckExpirations(st *state.State, t *state.Table, now int64, params state.Params) error {
	owner := ownerOf(st, t)

	c, err := LoadCollector(t)
	if err != nil {
		return err
	}
	if c != nil && now >= c.Expiration {
		switch c.Kind {
		case VoteKindInitial:
			st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailExpireStart, TableID: t.ID})
			Save(t, nil)
			Rollback(st, t, RollbackGameOnly, now, params)
			drainExpiredPending(st, t, owner)
		case VoteKindResult:
			if salvageable(t, c, params) {
				if err := RunTally(st, t, now, params); err != nil {
					return err
				}
			} else {
				st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailExpireResult, TableID: t.ID})
				Save(t, nil)
				Rollback(st, t, RollbackGameOnly, now, params)
			}
		}
		return nil
	}

	if t.IsPlaying() && t.GameExpiration != state.MaxTime && now >= t.GameExpiration {
		st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailExpireLifetime, TableID: t.ID})
		Rollback(st, t, RollbackGameOnly, now, params)
	}
	return nil
}

// salvageable reports whether enough players voted before a result
// collector expired to still tally it: at least min_votes_for_results
// effective votes, with witness substitution allowed.
func salvageable(t *state.Table, c *Collector, params state.Params) bool {
	if len(t.PlayingCash) < len(c.RequiredPlayerVoters) {
		return false
	}
	effectiveVotes := len(t.PlayingCash) - len(c.RequiredPlayerVoters)
	return uint32(effectiveVotes) >= params.MinVotesForResults
}

func drainExpiredPending(st *state.State, t *state.Table, owner string) {
	for _, pv := range t.PendingVotes {
		st.AppendEvent(owner, state.GameEvent{Kind: state.EventFailVote, TableID: t.ID, Voter: pv.Voter})
	}
	t.PendingVotes = nil
}
