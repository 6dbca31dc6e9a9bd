package app

import (
	"fmt"

	"onchainpoker/apps/chain/internal/state"
)

// BuyInEscrow moves funds between a player's account and a table's
// seated cash, and tracks pending reservations. The consensus engine
// only calls pending-buyout resolution and reads the pending-buyout
// index (engine.resolvePendingBuyOuts operates on
// state.Table.PendingBuyOuts directly); everything else is this
// interface.
type BuyInEscrow interface {
	DirectBuyIn(st *state.State, player, owner string, table uint64, asset uint64) error
	BuyOut(st *state.State, player string, table uint64, asset uint64, reason string) error
	Reserve(st *state.State, player string, table uint64, asset uint64, now int64) error
	Resolve(st *state.State, table uint64, player string) error
	Cancel(st *state.State, table uint64, player string) error
}

// ledgerEscrow is the in-process implementation backed directly by
// internal/state: a single concrete type behind a narrow interface, the
// same shape as auth.go's requireXAuth functions.
type ledgerEscrow struct{}

func NewEscrow() BuyInEscrow { return ledgerEscrow{} }

func (ledgerEscrow) DirectBuyIn(st *state.State, player, owner string, table uint64, asset uint64) error {
	t := st.Tables[table]
	if t == nil {
		return fmt.Errorf("escrow: unknown table %d", table)
	}
	if !state.IsTableOwner(st, t, owner) {
		return fmt.Errorf("escrow: %s does not own table %d", owner, table)
	}
	if err := st.Debit(player, asset); err != nil {
		return err
	}
	t.Seat(player, asset)
	return nil
}

func (ledgerEscrow) BuyOut(st *state.State, player string, table uint64, asset uint64, reason string) error {
	t := st.Tables[table]
	if t == nil {
		return fmt.Errorf("escrow: unknown table %d", table)
	}
	if t.IsPlaying() {
		// A hand is in progress: queue as a pending buy-out, resolved by
		// the next successful result-vote tally.
		t.PendingBuyOuts = append(t.PendingBuyOuts, state.PendingBuyOut{
			Player: player,
			Amount: asset,
			Reason: reason,
		})
		return nil
	}
	if err := t.Unseat(player, asset); err != nil {
		return err
	}
	return st.Credit(player, asset)
}

func (ledgerEscrow) Reserve(st *state.State, player string, table uint64, asset uint64, now int64) error {
	t := st.Tables[table]
	if t == nil {
		return fmt.Errorf("escrow: unknown table %d", table)
	}
	if err := st.Debit(player, asset); err != nil {
		return err
	}
	t.PendingBuyIns = append(t.PendingBuyIns, state.PendingBuyIn{
		Player:     player,
		Amount:     asset,
		Expiration: now + st.Params.PendingBuyinProposalLifetimeLimitSeconds,
	})
	return nil
}

func (ledgerEscrow) Resolve(st *state.State, table uint64, player string) error {
	t := st.Tables[table]
	if t == nil {
		return fmt.Errorf("escrow: unknown table %d", table)
	}
	for i, pb := range t.PendingBuyIns {
		if pb.Player == player {
			t.Seat(player, pb.Amount)
			t.PendingBuyIns = append(t.PendingBuyIns[:i], t.PendingBuyIns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("escrow: no pending buy-in for %s on table %d", player, table)
}

func (ledgerEscrow) Cancel(st *state.State, table uint64, player string) error {
	t := st.Tables[table]
	if t == nil {
		return fmt.Errorf("escrow: unknown table %d", table)
	}
	for i, pb := range t.PendingBuyIns {
		if pb.Player == player {
			if err := st.Credit(player, pb.Amount); err != nil {
				return err
			}
			t.PendingBuyIns = append(t.PendingBuyIns[:i], t.PendingBuyIns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("escrow: no pending buy-in for %s on table %d", player, table)
}

// SweepExpiredBuyIns cancels (refunds) pending buy-in reservations past
// their lifetime limit. Run alongside CheckExpirations at block
// boundaries.
func SweepExpiredBuyIns(st *state.State, t *state.Table, now int64) []string {
	var expired []string
	kept := t.PendingBuyIns[:0]
	for _, pb := range t.PendingBuyIns {
		if now >= pb.Expiration {
			_ = st.Credit(pb.Player, pb.Amount)
			expired = append(expired, pb.Player)
			continue
		}
		kept = append(kept, pb)
	}
	t.PendingBuyIns = kept
	return expired
}
