package engine

import (
	"testing"

	"onchainpoker/apps/chain/internal/state"
)

func resultVote(cash map[string]PlayerResult, log string) VoteData {
	return VoteData{Kind: VoteKindResult, Result: &ResultData{Cash: cash, Log: log}}
}

// TestRunTally_S1_HappyPath mirrors spec scenario S1: two players, zero
// witnesses, unanimous start then unanimous result.
func TestRunTally_S1_HappyPath(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	params := state.DefaultParams()

	start := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")
	for _, voter := range []string{"owner", "a", "b"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindInitial, voter, start, 0, params); err != nil {
			t.Fatalf("start vote from %s: %v", voter, err)
		}
	}
	if err := RunTally(st, tbl, 10, params); err != nil {
		t.Fatalf("RunTally (start): %v", err)
	}
	if !tbl.IsPlaying() {
		t.Fatalf("expected table to be playing after start consensus")
	}
	if tbl.PlayingCash["a"] != 500 || tbl.PlayingCash["b"] != 500 {
		t.Fatalf("unexpected playing_cash: %+v", tbl.PlayingCash)
	}

	result := resultVote(map[string]PlayerResult{
		"a": {Cash: 745, Rake: 5},
		"b": {Cash: 250, Rake: 0},
	}, "A wins")
	for _, voter := range []string{"owner", "a", "b"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindResult, voter, result, 20, params); err != nil {
			t.Fatalf("result vote from %s: %v", voter, err)
		}
	}
	if err := RunTally(st, tbl, 30, params); err != nil {
		t.Fatalf("RunTally (result): %v", err)
	}

	if !tbl.IsFree() {
		t.Fatalf("expected table free after result consensus")
	}
	if tbl.Cash["a"] != 745 || tbl.Cash["b"] != 250 {
		t.Fatalf("unexpected final cash: %+v", tbl.Cash)
	}
	if st.Rooms[1].PendingRake != 5 {
		t.Fatalf("expected room pending_rake=5, got %d", st.Rooms[1].PendingRake)
	}
}

// TestRunTally_S3_NoConsensusAtStart mirrors S3: three disjoint votes among
// three voters at a 67% threshold fail, and the table stays free/untouched.
func TestRunTally_S3_NoConsensusAtStart(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	params := state.DefaultParams()

	v1 := initialVote(map[string]uint64{"a": 500, "b": 500}, "v1")
	v2 := initialVote(map[string]uint64{"a": 500, "b": 500}, "v2")
	v3 := initialVote(map[string]uint64{"a": 500, "b": 500}, "v3")

	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", v1, 0, params); err != nil {
		t.Fatalf("owner vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "a", v2, 0, params); err != nil {
		t.Fatalf("a vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "b", v3, 0, params); err != nil {
		t.Fatalf("b vote: %v", err)
	}
	if err := RunTally(st, tbl, 10, params); err != nil {
		t.Fatalf("RunTally: %v", err)
	}
	if !tbl.IsFree() {
		t.Fatalf("expected table to remain free after failed consensus")
	}
	if tbl.Cash["a"] != 500 || tbl.Cash["b"] != 500 {
		t.Fatalf("cash must be untouched on failed start consensus: %+v", tbl.Cash)
	}
}

// TestCheckExpirations_S4_ResultSalvage mirrors S4: enough players voted
// the same result before expiry that the salvage path still tallies.
func TestCheckExpirations_S4_ResultSalvage(t *testing.T) {
	st := newTestState()
	cash := map[string]uint64{"a": 100, "b": 100, "c": 100, "d": 100, "e": 100}
	tbl := seatTable(t, st, "owner", 1, cash)
	params := state.DefaultParams()
	params.MinVotesForResults = 2

	start := initialVote(cash, "five-handed")
	for voter := range cash {
		if err := AdmitVote(st, tbl, "owner", VoteKindInitial, voter, start, 0, params); err != nil {
			t.Fatalf("start vote %s: %v", voter, err)
		}
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", start, 0, params); err != nil {
		t.Fatalf("owner start vote: %v", err)
	}
	if err := RunTally(st, tbl, 1, params); err != nil {
		t.Fatalf("RunTally start: %v", err)
	}
	if !tbl.IsPlaying() {
		t.Fatalf("expected playing after start consensus")
	}

	result := resultVote(map[string]PlayerResult{
		"a": {Cash: 100}, "b": {Cash: 100}, "c": {Cash: 100}, "d": {Cash: 100}, "e": {Cash: 100},
	}, "split")
	for _, voter := range []string{"owner", "a", "b", "c"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindResult, voter, result, 5, params); err != nil {
			t.Fatalf("result vote %s: %v", voter, err)
		}
	}

	c, err := LoadCollector(tbl)
	if err != nil || c == nil {
		t.Fatalf("expected open result collector: err=%v c=%v", err, c)
	}
	if err := CheckExpirations(st, tbl, c.Expiration, params); err != nil {
		t.Fatalf("CheckExpirations: %v", err)
	}
	if !tbl.IsFree() {
		t.Fatalf("expected table free after salvaged result tally, got playing_cash=%+v", tbl.PlayingCash)
	}
	for acct := range cash {
		if tbl.Cash[acct] != 100 {
			t.Fatalf("expected %s credited 100 by salvage, got %d", acct, tbl.Cash[acct])
		}
	}
}

// TestRunTally_S5_WitnessSubstitution mirrors S5: one player votes the
// result and an outside witness substitutes for the silent second player.
func TestRunTally_S5_WitnessSubstitution(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	st.Rooms[2] = &state.Room{ID: 2, Owner: "w"}
	params := state.DefaultParams()
	params.PctWitnessSubstitutionResults = 50

	start := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")
	for _, voter := range []string{"owner", "a", "b"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindInitial, voter, start, 0, params); err != nil {
			t.Fatalf("start vote %s: %v", voter, err)
		}
	}
	if err := RunTally(st, tbl, 1, params); err != nil {
		t.Fatalf("RunTally start: %v", err)
	}

	result := resultVote(map[string]PlayerResult{"a": {Cash: 600}, "b": {Cash: 400}}, "a wins")
	if err := AdmitVote(st, tbl, "owner", VoteKindResult, "a", result, 5, params); err != nil {
		t.Fatalf("a result vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindResult, "w", result, 5, params); err != nil {
		t.Fatalf("witness result vote: %v", err)
	}
	c, err := LoadCollector(tbl)
	if err != nil || c == nil {
		t.Fatalf("expected open collector: err=%v c=%v", err, c)
	}
	if !IsTallyReady(tbl, c, params) {
		t.Fatalf("expected tally-ready via witness substitution")
	}
	if err := RunTally(st, tbl, 10, params); err != nil {
		t.Fatalf("RunTally result: %v", err)
	}
	if !tbl.IsFree() {
		t.Fatalf("expected free after result consensus")
	}
	if tbl.Cash["a"] != 600 || tbl.Cash["b"] != 400 {
		t.Fatalf("unexpected payout: %+v", tbl.Cash)
	}
}

// TestGameReset_S6_RollbackGameOnly mirrors S6: owner resets with
// rollback_table=false, merging playing_cash back into cash.
func TestGameReset_S6_RollbackGameOnly(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{})
	tbl.PlayingCash["a"] = 500
	tbl.PlayingCash["b"] = 500
	params := state.DefaultParams()

	GameReset(st, tbl, false, 100, params)

	if !tbl.IsFree() {
		t.Fatalf("expected table free after game-only reset")
	}
	if tbl.Cash["a"] != 500 || tbl.Cash["b"] != 500 {
		t.Fatalf("expected playing_cash merged back into cash, got %+v", tbl.Cash)
	}
	hist := st.Accounts["owner"].History
	var sawRollback, sawGameCashReturn int
	for _, ev := range hist {
		if ev.Kind == state.EventRollback {
			sawRollback++
		}
		if ev.Kind == state.EventGameCashReturn {
			sawGameCashReturn++
		}
	}
	if sawRollback != 1 {
		t.Fatalf("expected exactly one rollback event, got %d", sawRollback)
	}
	if sawGameCashReturn != 2 {
		t.Fatalf("expected two game_cash_return events, got %d", sawGameCashReturn)
	}
}

// TestRunTally_ResultNoConsensus_RollsBackGameOnly covers a result vote
// that never reaches consensus: three disjoint result votes at the
// default 67% threshold must leave the table free again with the
// playing cash merged back, not stuck mid-game.
func TestRunTally_ResultNoConsensus_RollsBackGameOnly(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	params := state.DefaultParams()

	start := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")
	for _, voter := range []string{"owner", "a", "b"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindInitial, voter, start, 0, params); err != nil {
			t.Fatalf("start vote %s: %v", voter, err)
		}
	}
	if err := RunTally(st, tbl, 1, params); err != nil {
		t.Fatalf("RunTally start: %v", err)
	}

	v1 := resultVote(map[string]PlayerResult{"a": {Cash: 600}, "b": {Cash: 400}}, "v1")
	v2 := resultVote(map[string]PlayerResult{"a": {Cash: 400}, "b": {Cash: 600}}, "v2")
	v3 := resultVote(map[string]PlayerResult{"a": {Cash: 300}, "b": {Cash: 700}}, "v3")

	if err := AdmitVote(st, tbl, "owner", VoteKindResult, "owner", v1, 5, params); err != nil {
		t.Fatalf("owner result vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindResult, "a", v2, 5, params); err != nil {
		t.Fatalf("a result vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindResult, "b", v3, 5, params); err != nil {
		t.Fatalf("b result vote: %v", err)
	}

	if err := RunTally(st, tbl, 10, params); err != nil {
		t.Fatalf("RunTally result: %v", err)
	}

	if !tbl.IsFree() {
		t.Fatalf("expected table free after failed result consensus, got playing_cash=%+v", tbl.PlayingCash)
	}
	if len(tbl.PlayingCash) != 0 {
		t.Fatalf("expected playing_cash cleared, got %+v", tbl.PlayingCash)
	}
	if tbl.Cash["a"] != 500 || tbl.Cash["b"] != 500 {
		t.Fatalf("expected playing cash merged back unchanged, got %+v", tbl.Cash)
	}

	hist := st.Accounts["owner"].History
	var sawFail, sawRollback bool
	for _, ev := range hist {
		if ev.Kind == state.EventFailConsensusResult {
			sawFail = true
		}
		if ev.Kind == state.EventRollback {
			sawRollback = true
		}
	}
	if !sawFail {
		t.Fatalf("expected fail_consensus_result event, got %+v", hist)
	}
	if !sawRollback {
		t.Fatalf("expected a rollback event alongside the failed tally, got %+v", hist)
	}
}

// TestCheckExpirations_WitnessVotesDoNotCountAsRequiredPlayers covers the
// salvage threshold: witness votes fill VotedWitnesses, not
// RequiredPlayerVoters, so they must not count toward
// min_votes_for_results. Five playing players, two witnesses voting
// plus only one required player, must NOT be salvageable even though
// three votes were cast in total.
func TestCheckExpirations_WitnessVotesDoNotCountAsRequiredPlayers(t *testing.T) {
	st := newTestState()
	cash := map[string]uint64{"a": 100, "b": 100, "c": 100, "d": 100, "e": 100}
	tbl := seatTable(t, st, "owner", 1, cash)
	st.Rooms[2] = &state.Room{ID: 2, Owner: "w1"}
	st.Rooms[3] = &state.Room{ID: 3, Owner: "w2"}
	params := state.DefaultParams()
	params.MinVotesForResults = 2

	start := initialVote(cash, "five-handed")
	for voter := range cash {
		if err := AdmitVote(st, tbl, "owner", VoteKindInitial, voter, start, 0, params); err != nil {
			t.Fatalf("start vote %s: %v", voter, err)
		}
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", start, 0, params); err != nil {
		t.Fatalf("owner start vote: %v", err)
	}
	if err := RunTally(st, tbl, 1, params); err != nil {
		t.Fatalf("RunTally start: %v", err)
	}

	result := resultVote(map[string]PlayerResult{
		"a": {Cash: 100}, "b": {Cash: 100}, "c": {Cash: 100}, "d": {Cash: 100}, "e": {Cash: 100},
	}, "split")
	for _, voter := range []string{"w1", "w2", "a"} {
		if err := AdmitVote(st, tbl, "owner", VoteKindResult, voter, result, 5, params); err != nil {
			t.Fatalf("result vote %s: %v", voter, err)
		}
	}

	c, err := LoadCollector(tbl)
	if err != nil || c == nil {
		t.Fatalf("expected open result collector: err=%v c=%v", err, c)
	}
	if len(c.Votes) < int(params.MinVotesForResults) {
		t.Fatalf("test setup invariant broken: expected raw vote count to exceed the threshold")
	}

	if err := CheckExpirations(st, tbl, c.Expiration, params); err != nil {
		t.Fatalf("CheckExpirations: %v", err)
	}

	if !tbl.IsFree() {
		t.Fatalf("expected table free after unsalvageable result expiry, got playing_cash=%+v", tbl.PlayingCash)
	}
	for acct := range cash {
		if tbl.Cash[acct] != 100 {
			t.Fatalf("expected %s's cash returned unchanged by rollback, got %d", acct, tbl.Cash[acct])
		}
	}

	hist := st.Accounts["owner"].History
	for _, ev := range hist {
		if ev.Kind == state.EventResultValidated {
			t.Fatalf("must not have tallied as a valid result, got %+v", hist)
		}
	}
}

// TestRollback_Full_ReturnsEverythingToAccounts covers the round-trip
// property: rollback(full) after buy-ins with no game returns every seated
// chip to its player's account and leaves the table empty.
func TestRollback_Full_ReturnsEverythingToAccounts(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 300, "b": 200})
	params := state.DefaultParams()

	Rollback(st, tbl, RollbackFull, 0, params)

	if len(tbl.Cash) != 0 {
		t.Fatalf("expected table cash empty after full rollback, got %+v", tbl.Cash)
	}
	if st.Balance("a") != 300 || st.Balance("b") != 200 {
		t.Fatalf("expected chips refunded to accounts, a=%d b=%d", st.Balance("a"), st.Balance("b"))
	}
}
