package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// State is the full on-chain state of the arbitration core: accounts, rooms,
// tables, and the governance-tunable parameters that the consensus engine
// reads at application time.
type State struct {
	Height int64 `json:"height"`

	NextRoomID  uint64 `json:"nextRoomId"`
	NextTableID uint64 `json:"nextTableId"`

	Accounts    map[string]*Account `json:"accounts"`
	AccountKeys map[string][]byte   `json:"accountKeys,omitempty"` // addr -> ed25519 pubkey (32 bytes)
	NonceMax    map[string]uint64   `json:"nonceMax,omitempty"`    // signer -> last accepted tx.nonce, for replay protection

	Rooms  map[uint64]*Room  `json:"rooms"`
	Tables map[uint64]*Table `json:"tables"`

	Params Params `json:"params"`
}

// Account is a ledger entry: balance plus an append-only per-account
// history log.
type Account struct {
	Balance     uint64      `json:"balance"`
	PendingFees []PendingFee `json:"pendingFees,omitempty"`
	History     []GameEvent `json:"history,omitempty"`
}

// PendingFee is rake credited to a player's account, tagged with enough
// context to reconcile against a room at maintenance time.
type PendingFee struct {
	Room           uint64          `json:"room"`
	Amount         uint64          `json:"amount"`
	Metadata       string          `json:"metadata,omitempty"`
	VotedWitnesses []string        `json:"votedWitnesses,omitempty"`
}

func NewState() *State {
	return &State{
		NextRoomID:  1,
		NextTableID: 1,
		Accounts:    map[string]*Account{},
		AccountKeys: map[string][]byte{},
		NonceMax:    map[string]uint64{},
		Rooms:       map[uint64]*Room{},
		Tables:      map[uint64]*Table{},
		Params:      DefaultParams(),
	}
}

func Load(home string) (*State, error) {
	path := filepath.Join(home, "state.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	st.normalize()
	return &st, nil
}

func (s *State) normalize() {
	if s.Accounts == nil {
		s.Accounts = map[string]*Account{}
	}
	if s.AccountKeys == nil {
		s.AccountKeys = map[string][]byte{}
	}
	if s.NonceMax == nil {
		s.NonceMax = map[string]uint64{}
	}
	if s.Rooms == nil {
		s.Rooms = map[uint64]*Room{}
	}
	if s.Tables == nil {
		s.Tables = map[uint64]*Table{}
	}
	if s.NextRoomID == 0 {
		s.NextRoomID = 1
	}
	if s.NextTableID == 0 {
		s.NextTableID = 1
	}
	if s.Params.VotingForPlayingRequiredPercent == 0 {
		s.Params = DefaultParams()
	}
	for addr, acc := range s.Accounts {
		if acc == nil {
			s.Accounts[addr] = &Account{}
		}
	}
	for id, t := range s.Tables {
		if t == nil {
			continue
		}
		t.normalize(id)
	}
}

func (s *State) Save(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("mkdir home: %w", err)
	}
	path := filepath.Join(home, "state.json")
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Clone returns a deep copy of state suitable for staged tx execution.
func (s *State) Clone() (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("state is nil")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state clone: %w", err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode state clone: %w", err)
	}
	out.normalize()
	return &out, nil
}

// AppHash normalizes every map in State into a key-sorted slice before
// hashing, so the hash is independent of Go's randomized map iteration
// order. The vote digests in internal/engine follow the same discipline;
// see internal/detenc.
func (s *State) AppHash() []byte {
	type accountKV struct {
		Addr    string   `json:"addr"`
		Account *Account `json:"account"`
	}
	type accountKeyKV struct {
		Addr   string `json:"addr"`
		PubKey []byte `json:"pubKey"`
	}
	type nonceKV struct {
		Signer string `json:"signer"`
		Nonce  uint64 `json:"nonce"`
	}
	type roomKV struct {
		ID   uint64 `json:"id"`
		Room *Room  `json:"room"`
	}
	type tableKV struct {
		ID    uint64 `json:"id"`
		Table *Table `json:"table"`
	}

	accounts := make([]accountKV, 0, len(s.Accounts))
	for k, v := range s.Accounts {
		accounts = append(accounts, accountKV{Addr: k, Account: v})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Addr < accounts[j].Addr })

	accountKeys := make([]accountKeyKV, 0, len(s.AccountKeys))
	for k, v := range s.AccountKeys {
		accountKeys = append(accountKeys, accountKeyKV{Addr: k, PubKey: v})
	}
	sort.Slice(accountKeys, func(i, j int) bool { return accountKeys[i].Addr < accountKeys[j].Addr })

	nonces := make([]nonceKV, 0, len(s.NonceMax))
	for k, v := range s.NonceMax {
		nonces = append(nonces, nonceKV{Signer: k, Nonce: v})
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Signer < nonces[j].Signer })

	rooms := make([]roomKV, 0, len(s.Rooms))
	for id, r := range s.Rooms {
		rooms = append(rooms, roomKV{ID: id, Room: r})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	tables := make([]tableKV, 0, len(s.Tables))
	for id, t := range s.Tables {
		tables = append(tables, tableKV{ID: id, Table: t})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })

	normalized := struct {
		Height      int64          `json:"height"`
		NextRoomID  uint64         `json:"nextRoomId"`
		NextTableID uint64         `json:"nextTableId"`
		Accounts    []accountKV    `json:"accounts"`
		AccountKeys []accountKeyKV `json:"accountKeys,omitempty"`
		NonceMax    []nonceKV      `json:"nonceMax,omitempty"`
		Rooms       []roomKV       `json:"rooms"`
		Tables      []tableKV      `json:"tables"`
		Params      Params         `json:"params"`
	}{
		Height:      s.Height,
		NextRoomID:  s.NextRoomID,
		NextTableID: s.NextTableID,
		Accounts:    accounts,
		AccountKeys: accountKeys,
		NonceMax:    nonces,
		Rooms:       rooms,
		Tables:      tables,
		Params:      s.Params,
	}

	b, _ := json.Marshal(normalized)
	sum := sha256.Sum256(b)
	return sum[:]
}

// ---- Ledger adapter ----

func (s *State) Balance(addr string) uint64 {
	if a := s.Accounts[addr]; a != nil {
		return a.Balance
	}
	return 0
}

func (s *State) account(addr string) *Account {
	a := s.Accounts[addr]
	if a == nil {
		a = &Account{}
		s.Accounts[addr] = a
	}
	return a
}

func (s *State) Credit(addr string, amount uint64) error {
	a := s.account(addr)
	if a.Balance > ^uint64(0)-amount {
		return fmt.Errorf("balance overflow: have=%d add=%d", a.Balance, amount)
	}
	a.Balance += amount
	return nil
}

func (s *State) Debit(addr string, amount uint64) error {
	a := s.account(addr)
	if a.Balance < amount {
		return fmt.Errorf("insufficient funds: have=%d need=%d", a.Balance, amount)
	}
	a.Balance -= amount
	return nil
}

// HeadTime is the per-block monotonic clock the engine treats as
// authoritative. It is threaded in by the caller (FinalizeBlock's header
// time) rather than read from the wall clock, so the engine has no
// wall-clock dependency.
type HeadTime = int64

// AppendEvent writes a GameEvent into the owner account's history log.
// Event ids are monotonic per account.
func (s *State) AppendEvent(owner string, ev GameEvent) {
	a := s.account(owner)
	ev.ID = uint64(len(a.History)) + 1
	a.History = append(a.History, ev)
}

// GameEvent is the tagged audit record appended on every non-trivial
// state change. Kind selects which of the other fields is meaningful;
// unused fields are left zero.
type GameEvent struct {
	ID      uint64       `json:"id"`
	Kind    GameEventKind `json:"kind"`
	TableID uint64       `json:"tableId"`
	Voter   string       `json:"voter,omitempty"`
	Amount  uint64       `json:"amount,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

type GameEventKind string

const (
	EventStartPlayingValidated GameEventKind = "start_playing_validated"
	EventResultValidated       GameEventKind = "result_validated"
	EventRollback              GameEventKind = "rollback"
	EventFailConsensusStart    GameEventKind = "fail_consensus_start"
	EventFailConsensusResult   GameEventKind = "fail_consensus_result"
	EventFailExpireStart       GameEventKind = "fail_expire_start"
	EventFailExpireResult      GameEventKind = "fail_expire_result"
	EventFailExpireLifetime    GameEventKind = "fail_expire_lifetime"
	EventFraudStartCheck       GameEventKind = "fraud_start_check"
	EventFraudResultCheck      GameEventKind = "fraud_result_check"
	EventBuyOutAllowed         GameEventKind = "buy_out_allowed"
	EventBuyInReturn           GameEventKind = "buy_in_return"
	EventGameCashReturn        GameEventKind = "game_cash_return"
	EventFraudBuyOut           GameEventKind = "fraud_buy_out"
	EventFailVote              GameEventKind = "fail_vote"
)
