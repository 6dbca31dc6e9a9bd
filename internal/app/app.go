package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"

	"onchainpoker/apps/chain/internal/codec"
	"onchainpoker/apps/chain/internal/engine"
	"onchainpoker/apps/chain/internal/state"
)

const AppVersion uint64 = 1

type OCPApp struct {
	*abci.BaseApplication

	home   string
	logger cmtlog.Logger
	escrow BuyInEscrow

	mu       sync.Mutex
	st       *state.State
	lastHash []byte
}

func New(home string) (*OCPApp, error) {
	return NewWithLogger(home, cmtlog.NewNopLogger())
}

func NewWithLogger(home string, logger cmtlog.Logger) (*OCPApp, error) {
	appHome := filepath.Join(home, "app")
	st, err := state.Load(appHome)
	if err != nil {
		return nil, err
	}
	a := &OCPApp{
		BaseApplication: abci.NewBaseApplication(),
		home:            home,
		logger:          logger,
		escrow:          NewEscrow(),
		st:              st,
		lastHash:        st.AppHash(),
	}
	return a, nil
}

func (a *OCPApp) Info(_ context.Context, _ *abci.InfoRequest) (*abci.InfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &abci.InfoResponse{
		Data:             "on-chain game arbitration core",
		Version:          "v0",
		AppVersion:       AppVersion,
		LastBlockHeight:  a.st.Height,
		LastBlockAppHash: a.lastHash,
	}, nil
}

func (a *OCPApp) CheckTx(_ context.Context, req *abci.CheckTxRequest) (*abci.CheckTxResponse, error) {
	if _, err := codec.DecodeTxEnvelope(req.Tx); err != nil {
		return &abci.CheckTxResponse{Code: 1, Log: err.Error()}, nil
	}
	// Structural validation only; signatures and vote-admission rules are
	// enforced at delivery, never here.
	return &abci.CheckTxResponse{Code: 0}, nil
}

func (a *OCPApp) InitChain(_ context.Context, _ *abci.InitChainRequest) (*abci.InitChainResponse, error) {
	return &abci.InitChainResponse{}, nil
}

// FinalizeBlock runs expiration maintenance over every table before any tx
// of the block is applied, matching the ordering guarantee that a
// collector past its expiration is resolved before new votes of that
// block can be admitted against it.
func (a *OCPApp) FinalizeBlock(_ context.Context, req *abci.FinalizeBlockRequest) (*abci.FinalizeBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Height = req.Height
	now := req.Time.Unix()

	maintenanceEvents := a.runMaintenance(now)

	txResults := make([]*abci.ExecTxResult, 0, len(req.Txs))
	for _, txBytes := range req.Txs {
		txResults = append(txResults, a.deliverTx(txBytes, req.Height, now))
	}
	if len(maintenanceEvents) > 0 && len(txResults) > 0 {
		txResults[0].Events = append(maintenanceEvents, txResults[0].Events...)
	}

	a.lastHash = a.st.AppHash()
	return &abci.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   a.lastHash,
	}, nil
}

// runMaintenance sweeps every table for collector/game-lifetime
// expirations, expired seats, and expired buy-in reservations.
func (a *OCPApp) runMaintenance(now int64) []abci.Event {
	var events []abci.Event

	ids := make([]uint64, 0, len(a.st.Tables))
	for id := range a.st.Tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := a.st.Tables[id]

		if c, _ := engine.LoadCollector(t); c != nil && engine.IsTallyReady(t, c, a.st.Params) && now >= c.ScheduledVoting {
			if err := engine.RunTally(a.st, t, now, a.st.Params); err != nil {
				a.logger.Error("scheduled tally failed", "table", id, "err", err)
			}
		}
		if err := engine.CheckExpirations(a.st, t, now, a.st.Params); err != nil {
			a.logger.Error("expiration check failed", "table", id, "err", err)
			continue
		}
		events = append(events, ejectExpiredSeats(a.st, t, now)...)
		for _, player := range SweepExpiredBuyIns(a.st, t, now) {
			events = append(events, abci.Event{
				Type: "PendingBuyInExpired",
				Attributes: []abci.EventAttribute{
					{Key: "tableId", Value: fmt.Sprintf("%d", id), Index: true},
					{Key: "player", Value: player, Index: true},
				},
			})
		}
	}
	return events
}

func (a *OCPApp) Commit(_ context.Context, _ *abci.CommitRequest) (*abci.CommitResponse, error) {
	appHome := filepath.Join(a.home, "app")
	if err := a.st.Save(appHome); err != nil {
		return nil, err
	}
	return &abci.CommitResponse{}, nil
}

func (a *OCPApp) Query(_ context.Context, req *abci.QueryRequest) (*abci.QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := strings.TrimSpace(req.Path)
	switch {
	case path == "/tables":
		ids := make([]uint64, 0, len(a.st.Tables))
		for id := range a.st.Tables {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		b, _ := json.Marshal(ids)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/account/"):
		addr := strings.TrimPrefix(path, "/account/")
		b, _ := json.Marshal(map[string]any{"addr": addr, "balance": a.st.Balance(addr)})
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/table/"):
		id, err := strconv.ParseUint(strings.TrimPrefix(path, "/table/"), 10, 64)
		if err != nil {
			return &abci.QueryResponse{Code: 1, Log: "invalid table id", Height: a.st.Height}, nil
		}
		t, ok := a.st.Tables[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "table not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(t)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/room/"):
		id, err := strconv.ParseUint(strings.TrimPrefix(path, "/room/"), 10, 64)
		if err != nil {
			return &abci.QueryResponse{Code: 1, Log: "invalid room id", Height: a.st.Height}, nil
		}
		r, ok := a.st.Rooms[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "room not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(r)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/events/"):
		addr := strings.TrimPrefix(path, "/events/")
		acc, ok := a.st.Accounts[addr]
		if !ok || acc == nil {
			return &abci.QueryResponse{Code: 1, Log: "account not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(acc.History)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	default:
		return &abci.QueryResponse{Code: 1, Log: "unknown query path", Height: a.st.Height}, nil
	}
}

func (a *OCPApp) deliverTx(txBytes []byte, height int64, nowUnixOpt ...int64) *abci.ExecTxResult {
	env, err := codec.DecodeTxEnvelope(txBytes)
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}

	a.st.Height = height
	nowUnix := height
	if len(nowUnixOpt) > 0 {
		nowUnix = nowUnixOpt[0]
	}

	switch env.Type {
	case "auth/register_account":
		var msg codec.AuthRegisterAccountTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad auth/register_account value"}
		}
		if err := requireRegisterAccountAuth(env, msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		if existing := a.st.AccountKeys[msg.Account]; len(existing) != 0 {
			if string(existing) != string(msg.PubKey) {
				return &abci.ExecTxResult{Code: 1, Log: "account pubKey already set (rotation not supported)"}
			}
			return okEvent("AccountKeyRegistered", map[string]string{"account": msg.Account, "existing": "true"})
		}
		a.st.AccountKeys[msg.Account] = append([]byte(nil), msg.PubKey...)
		return okEvent("AccountKeyRegistered", map[string]string{"account": msg.Account})

	case "bank/mint":
		var msg codec.BankMintTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad bank/mint value"}
		}
		if msg.To == "" || msg.Amount == 0 {
			return &abci.ExecTxResult{Code: 1, Log: "missing to/amount"}
		}
		if err := a.st.Credit(msg.To, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("BankMinted", map[string]string{"to": msg.To, "amount": fmt.Sprintf("%d", msg.Amount)})

	case "bank/send":
		var msg codec.BankSendTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad bank/send value"}
		}
		if msg.From == "" || msg.To == "" || msg.Amount == 0 {
			return &abci.ExecTxResult{Code: 1, Log: "missing from/to/amount"}
		}
		if err := requireAccountAuth(a.st, env, msg.From); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		if err := a.st.Debit(msg.From, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		if err := a.st.Credit(msg.To, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("BankSent", map[string]string{"from": msg.From, "to": msg.To, "amount": fmt.Sprintf("%d", msg.Amount)})

	case "room/create":
		var msg codec.RoomCreateTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad room/create value"}
		}
		if msg.Owner == "" {
			return &abci.ExecTxResult{Code: 1, Log: "missing owner"}
		}
		if err := requireAccountAuth(a.st, env, msg.Owner); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		id := a.st.NextRoomID
		a.st.NextRoomID++
		a.st.Rooms[id] = &state.Room{
			ID:              id,
			Owner:           msg.Owner,
			Metadata:        msg.Metadata,
			ProtocolVersion: msg.ProtocolVersion,
		}
		return okEvent("RoomCreated", map[string]string{"roomId": fmt.Sprintf("%d", id), "owner": msg.Owner})

	case "table/create":
		var msg codec.TableCreateTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad table/create value"}
		}
		if msg.Owner == "" {
			return &abci.ExecTxResult{Code: 1, Log: "missing owner"}
		}
		if err := requireAccountAuth(a.st, env, msg.Owner); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		room := a.st.Rooms[msg.Room]
		if room == nil || room.Owner != msg.Owner {
			return &abci.ExecTxResult{Code: 1, Log: "room not found or not owned by caller"}
		}
		id := a.st.NextTableID
		a.st.NextTableID++
		a.st.Tables[id] = &state.Table{
			ID:                       id,
			RoomID:                   msg.Room,
			RequiredWitnesses:        msg.RequiredWitnesses,
			Metadata:                 msg.Metadata,
			MinAcceptedProposalAsset: msg.MinAcceptedProposalAsset,
			Cash:                     map[string]uint64{},
			PlayingCash:              map[string]uint64{},
			VotedWitnesses:           map[string]bool{},
			SeatedAt:                 map[string]int64{},
			GameCreated:              state.MinTime,
			GameExpiration:           state.MaxTime,
		}
		room.TableIDs = append(room.TableIDs, id)
		return okEvent("TableCreated", map[string]string{"tableId": fmt.Sprintf("%d", id), "roomId": fmt.Sprintf("%d", msg.Room)})

	case "table/seat":
		var msg codec.TableSeatTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad table/seat value"}
		}
		if msg.Player == "" {
			return &abci.ExecTxResult{Code: 1, Log: "missing player"}
		}
		if err := requireAccountAuth(a.st, env, msg.Player); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		t := a.st.Tables[msg.Table]
		if t == nil {
			return &abci.ExecTxResult{Code: 1, Log: "table not found"}
		}
		if msg.Asset < t.MinAcceptedProposalAsset {
			return &abci.ExecTxResult{Code: 1, Log: "buy-in below table minimum"}
		}
		if err := a.escrow.DirectBuyIn(a.st, msg.Player, msg.Owner, msg.Table, msg.Asset); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		t.MarkSeated(msg.Player, nowUnix)
		return okEvent("PlayerSeated", map[string]string{
			"tableId": fmt.Sprintf("%d", msg.Table), "player": msg.Player, "asset": fmt.Sprintf("%d", msg.Asset),
		})

	case "table/unseat":
		var msg codec.TableUnseatTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad table/unseat value"}
		}
		if msg.Player == "" {
			return &abci.ExecTxResult{Code: 1, Log: "missing player"}
		}
		if err := requireAccountAuth(a.st, env, msg.Player); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		if a.st.Tables[msg.Table] == nil {
			return &abci.ExecTxResult{Code: 1, Log: "table not found"}
		}
		if err := a.escrow.BuyOut(a.st, msg.Player, msg.Table, msg.Asset, msg.Reason); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("PlayerUnseated", map[string]string{
			"tableId": fmt.Sprintf("%d", msg.Table), "player": msg.Player, "asset": fmt.Sprintf("%d", msg.Asset),
		})

	case "start_playing_check":
		var msg codec.StartPlayingCheckTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad start_playing_check value"}
		}
		if err := requireAccountAuth(a.st, env, msg.Voter); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		t := a.st.Tables[msg.Table]
		if t == nil {
			return &abci.ExecTxResult{Code: 1, Log: "table not found"}
		}
		data := engine.VoteData{
			Kind:    engine.VoteKindInitial,
			Initial: &engine.InitialData{Cash: msg.Initial.Cash, Info: msg.Initial.Info},
		}
		if err := engine.AdmitVote(a.st, t, msg.TableOwner, engine.VoteKindInitial, msg.Voter, data, nowUnix, a.st.Params); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		a.maybeRunScheduledTally(t, nowUnix)
		return okEvent("StartPlayingCheckAdmitted", map[string]string{"tableId": fmt.Sprintf("%d", msg.Table), "voter": msg.Voter})

	case "result_check":
		var msg codec.ResultCheckTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad result_check value"}
		}
		if err := requireAccountAuth(a.st, env, msg.Voter); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		t := a.st.Tables[msg.Table]
		if t == nil {
			return &abci.ExecTxResult{Code: 1, Log: "table not found"}
		}
		cash := make(map[string]engine.PlayerResult, len(msg.Result.Cash))
		for acct, r := range msg.Result.Cash {
			cash[acct] = engine.PlayerResult{Cash: r.Cash, Rake: r.Rake}
		}
		data := engine.VoteData{
			Kind:   engine.VoteKindResult,
			Result: &engine.ResultData{Cash: cash, Log: msg.Result.Log},
		}
		if err := engine.AdmitVote(a.st, t, msg.TableOwner, engine.VoteKindResult, msg.Voter, data, nowUnix, a.st.Params); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		a.maybeRunScheduledTally(t, nowUnix)
		return okEvent("ResultCheckAdmitted", map[string]string{"tableId": fmt.Sprintf("%d", msg.Table), "voter": msg.Voter})

	case "game_reset":
		var msg codec.GameResetTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad game_reset value"}
		}
		if err := requireAccountAuth(a.st, env, msg.TableOwner); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		t := a.st.Tables[msg.Table]
		if t == nil {
			return &abci.ExecTxResult{Code: 1, Log: "table not found"}
		}
		if !state.IsTableOwner(a.st, t, msg.TableOwner) {
			return &abci.ExecTxResult{Code: 1, Log: "caller does not own this table"}
		}
		engine.GameReset(a.st, t, msg.RollbackTable, nowUnix, a.st.Params)
		return okEvent("GameReset", map[string]string{"tableId": fmt.Sprintf("%d", msg.Table), "rollbackTable": fmt.Sprintf("%t", msg.RollbackTable)})

	case "tables_alive":
		var msg codec.TablesAliveTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad tables_alive value"}
		}
		if err := requireAccountAuth(a.st, env, msg.Owner); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		ids := make([]string, 0, len(msg.TableIDs))
		for _, id := range msg.TableIDs {
			t := a.st.Tables[id]
			if t == nil || !state.IsTableOwner(a.st, t, msg.Owner) {
				continue
			}
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		return okEvent("TablesAliveRecorded", map[string]string{"owner": msg.Owner, "tableIds": strings.Join(ids, ",")})

	case "params/update":
		var msg codec.ParamsUpdateTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad params/update value"}
		}
		if err := requireCommitteeAuth(a.st, env, msg.Authority); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		newParams := state.Params{
			VotingForPlayingExpirationSeconds:        msg.VotingForPlayingExpirationSeconds,
			VotingForResultsExpirationSeconds:        msg.VotingForResultsExpirationSeconds,
			VotingForPlayingRequiredPercent:          msg.VotingForPlayingRequiredPercent,
			VotingForResultsRequiredPercent:          msg.VotingForResultsRequiredPercent,
			PctWitnessSubstitutionPlaying:            msg.PctWitnessSubstitutionPlaying,
			PctWitnessSubstitutionResults:            msg.PctWitnessSubstitutionResults,
			MinVotesForResults:                       msg.MinVotesForResults,
			GameLifetimeLimitSeconds:                 msg.GameLifetimeLimitSeconds,
			BuyInExpirationSeconds:                    msg.BuyInExpirationSeconds,
			PendingBuyinProposalLifetimeLimitSeconds: msg.PendingBuyinProposalLifetimeLimitSeconds,
			MaxDesiredPlayersForAllocation:            msg.MaxDesiredPlayersForAllocation,
			BlockIntervalSeconds:                      msg.BlockIntervalSeconds,
		}
		if err := newParams.Validate(); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		a.st.Params = newParams
		return okEvent("ParamsUpdated", map[string]string{"authority": msg.Authority})

	default:
		return &abci.ExecTxResult{Code: 1, Log: "unknown tx type: " + env.Type}
	}
}

// maybeRunScheduledTally fires the tally the instant a vote admission made
// it ready and the one-block deferral window has elapsed, so a client does
// not have to wait for the next block's maintenance pass to see its
// consensus applied.
func (a *OCPApp) maybeRunScheduledTally(t *state.Table, now int64) {
	c, err := engine.LoadCollector(t)
	if err != nil || c == nil {
		return
	}
	if engine.IsTallyReady(t, c, a.st.Params) && now >= c.ScheduledVoting {
		if err := engine.RunTally(a.st, t, now, a.st.Params); err != nil {
			a.logger.Error("tally failed", "table", t.ID, "err", err)
		}
	}
}

func okEvent(typ string, attrs map[string]string) *abci.ExecTxResult {
	ev := abci.Event{Type: typ}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: k, Value: attrs[k], Index: true})
	}
	return &abci.ExecTxResult{Code: 0, Events: []abci.Event{ev}}
}
