package app

import (
	"fmt"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchainpoker/apps/chain/internal/state"
)

// ejectExpiredSeats unseats any player whose buy-in has outlived the
// configured seat TTL while the table is free, crediting the chips back
// to the player's account.
func ejectExpiredSeats(st *state.State, t *state.Table, now int64) []abci.Event {
	if st == nil || t == nil || !t.IsFree() {
		return nil
	}
	ttl := st.Params.BuyInExpirationSeconds
	if ttl <= 0 {
		return nil
	}

	var events []abci.Event
	for player, amount := range t.Cash {
		seatedAt, ok := t.SeatedAt[player]
		if !ok || now-seatedAt < ttl {
			continue
		}
		if err := st.Credit(player, amount); err != nil {
			continue
		}
		delete(t.Cash, player)
		delete(t.SeatedAt, player)
		events = append(events, abci.Event{
			Type: "SeatExpired",
			Attributes: []abci.EventAttribute{
				{Key: "tableId", Value: fmt.Sprintf("%d", t.ID), Index: true},
				{Key: "player", Value: player, Index: true},
				{Key: "amountReturned", Value: fmt.Sprintf("%d", amount), Index: false},
			},
		})
	}
	return events
}
