package engine

import (
	"testing"

	"onchainpoker/apps/chain/internal/state"
)

func newTestState() *state.State {
	return state.NewState()
}

func seatTable(t *testing.T, st *state.State, roomOwner string, tableID uint64, cash map[string]uint64) *state.Table {
	t.Helper()
	st.Rooms[1] = &state.Room{ID: 1, Owner: roomOwner}
	tbl := &state.Table{
		ID:             tableID,
		RoomID:         1,
		Cash:           map[string]uint64{},
		PlayingCash:    map[string]uint64{},
		VotedWitnesses: map[string]bool{},
		GameCreated:    state.MinTime,
		GameExpiration: state.MaxTime,
	}
	for acct, amt := range cash {
		tbl.Seat(acct, amt)
	}
	st.Tables[tableID] = tbl
	return tbl
}

func TestAdmitVote_WrongTableOwnerRejected(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500})
	data := initialVote(map[string]uint64{"a": 500}, "dealer=a")
	err := AdmitVote(st, tbl, "impostor", VoteKindInitial, "owner", data, 0, state.DefaultParams())
	if err != ErrWrongTableOwner {
		t.Fatalf("expected ErrWrongTableOwner, got %v", err)
	}
}

func TestAdmitVote_EmptyStartVoteRejected(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500})
	data := VoteData{Kind: VoteKindInitial, Initial: &InitialData{Cash: map[string]uint64{}}}
	err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", data, 0, state.DefaultParams())
	if err != ErrEmptyStartVote {
		t.Fatalf("expected ErrEmptyStartVote, got %v", err)
	}
}

func TestAdmitVote_FirstNonOwnerNonWitnessQueuesPending(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	params := state.DefaultParams()
	data := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")

	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "a", data, 0, params); err != nil {
		t.Fatalf("AdmitVote: %v", err)
	}
	if tbl.Collector != nil {
		t.Fatalf("expected no collector yet, vote should be pending")
	}
	if len(tbl.PendingVotes) != 1 || tbl.PendingVotes[0].Voter != "a" {
		t.Fatalf("expected a's vote queued as pending, got %+v", tbl.PendingVotes)
	}
}

func TestAdmitVote_DuplicateVoteRejected(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500})
	params := state.DefaultParams()
	data := initialVote(map[string]uint64{"a": 500}, "dealer=a")

	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", data, 0, params); err != nil {
		t.Fatalf("first AdmitVote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", data, 0, params); err != ErrDuplicateVote {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestAdmitVote_EtalonMismatchRejected(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	params := state.DefaultParams()
	owner := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", owner, 0, params); err != nil {
		t.Fatalf("owner AdmitVote: %v", err)
	}
	outsider := initialVote(map[string]uint64{"a": 500}, "dealer=a")
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "a", outsider, 0, params); err != ErrEtalonMismatch {
		t.Fatalf("expected ErrEtalonMismatch, got %v", err)
	}
}

func TestAdmitVote_WitnessSubstitutionTallyReady(t *testing.T) {
	st := newTestState()
	tbl := seatTable(t, st, "owner", 1, map[string]uint64{"a": 500, "b": 500})
	st.Rooms[2] = &state.Room{ID: 2, Owner: "witnessAcct"}
	params := state.DefaultParams()
	params.PctWitnessSubstitutionPlaying = 50

	vote := initialVote(map[string]uint64{"a": 500, "b": 500}, "dealer=a")
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "owner", vote, 0, params); err != nil {
		t.Fatalf("owner vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "a", vote, 0, params); err != nil {
		t.Fatalf("a's vote: %v", err)
	}
	if err := AdmitVote(st, tbl, "owner", VoteKindInitial, "witnessAcct", vote, 0, params); err != nil {
		t.Fatalf("witness vote: %v", err)
	}
	c, err := LoadCollector(tbl)
	if err != nil || c == nil {
		t.Fatalf("expected an open collector: err=%v c=%v", err, c)
	}
	if !IsTallyReady(tbl, c, params) {
		t.Fatalf("expected tally-ready once the witness substitutes for b")
	}
}
