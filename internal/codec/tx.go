package codec

import (
	"encoding/json"
	"fmt"
)

// TxEnvelope is the transaction container.
//
// CometBFT transactions are opaque bytes. This chain uses JSON-encoded txs
// to move fast; this is NOT a wire-compatible protocol encoding.
type TxEnvelope struct {
	// Basic routing.
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`

	// Tx auth:
	// - Nonce: included in the signed message for replay protection (must increase per signer).
	// - Signer: logical signer id (the account or witness submitting the op).
	// - Sig: Ed25519 signature over (type, nonce, signer, sha256(value)).
	Nonce  string `json:"nonce,omitempty"`
	Signer string `json:"signer,omitempty"`
	Sig    []byte `json:"sig,omitempty"`
}

func DecodeTxEnvelope(txBytes []byte) (TxEnvelope, error) {
	var env TxEnvelope
	if err := json.Unmarshal(txBytes, &env); err != nil {
		return TxEnvelope{}, fmt.Errorf("invalid tx json: %w", err)
	}
	if env.Type == "" {
		return TxEnvelope{}, fmt.Errorf("missing tx.type")
	}
	return env, nil
}

// ---- Bank (ledger adapter) ----

type BankMintTx struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type BankSendTx struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// ---- Auth ----

// Account pubkey registration for tx authentication.
type AuthRegisterAccountTx struct {
	Account string `json:"account"`
	PubKey  []byte `json:"pubKey"` // base64 (32 bytes)
}

// ---- Room / Table lifecycle (components A, B) ----

type RoomCreateTx struct {
	Owner           string `json:"owner"`
	Metadata        string `json:"metadata,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

type TableCreateTx struct {
	Owner                    string `json:"owner"`
	Room                     uint64 `json:"room"`
	RequiredWitnesses        uint16 `json:"requiredWitnesses"`
	Metadata                 string `json:"metadata,omitempty"`
	MinAcceptedProposalAsset uint64 `json:"minAcceptedProposalAsset,omitempty"`
}

// TableSeatTx is a direct buy-in: moves asset from player's account into
// the table's seated cash.
type TableSeatTx struct {
	Player string `json:"player"`
	Owner  string `json:"owner"`
	Table  uint64 `json:"table"`
	Asset  uint64 `json:"asset"`
}

// TableUnseatTx is a buy-out request: if the table is free, resolved
// immediately; if playing, queued as a pending buy-out resolved at the
// next result-vote tally.
type TableUnseatTx struct {
	Player string `json:"player"`
	Table  uint64 `json:"table"`
	Asset  uint64 `json:"asset"`
	Reason string `json:"reason,omitempty"`
}

// ---- Voting engine operations ----

// InitialDataWire is the wire form of engine.InitialData.
type InitialDataWire struct {
	Cash map[string]uint64 `json:"cash"`
	Info string            `json:"info"`
}

// PlayerResultWire is the wire form of engine.PlayerResult.
type PlayerResultWire struct {
	Cash uint64 `json:"cash"`
	Rake uint64 `json:"rake"`
}

// ResultDataWire is the wire form of engine.ResultData.
type ResultDataWire struct {
	Cash map[string]PlayerResultWire `json:"cash"`
	Log  string                      `json:"log"`
}

type StartPlayingCheckTx struct {
	Voter      string          `json:"voter"`
	TableOwner string          `json:"tableOwner"`
	Table      uint64          `json:"table"`
	Initial    InitialDataWire `json:"initial"`
}

type ResultCheckTx struct {
	Voter      string         `json:"voter"`
	TableOwner string         `json:"tableOwner"`
	Table      uint64         `json:"table"`
	Result     ResultDataWire `json:"result"`
}

type GameResetTx struct {
	TableOwner    string `json:"tableOwner"`
	Table         uint64 `json:"table"`
	RollbackTable bool   `json:"rollbackTable"`
}

type TablesAliveTx struct {
	Owner    string   `json:"owner"`
	TableIDs []uint64 `json:"tableIds"`
}

// ---- Committee governance (parameter updates only; the governance
// process itself is external, only the resulting Params mutation is
// implemented here) ----

type ParamsUpdateTx struct {
	Authority string `json:"authority"`

	VotingForPlayingExpirationSeconds int64  `json:"votingForPlayingExpirationSeconds"`
	VotingForResultsExpirationSeconds int64  `json:"votingForResultsExpirationSeconds"`
	VotingForPlayingRequiredPercent   uint32 `json:"votingForPlayingRequiredPercent"`
	VotingForResultsRequiredPercent   uint32 `json:"votingForResultsRequiredPercent"`
	PctWitnessSubstitutionPlaying     uint32 `json:"pctWitnessSubstitutionPlaying"`
	PctWitnessSubstitutionResults     uint32 `json:"pctWitnessSubstitutionResults"`
	MinVotesForResults                uint32 `json:"minVotesForResults"`
	GameLifetimeLimitSeconds          int64  `json:"gameLifetimeLimitSeconds"`
	BuyInExpirationSeconds            int64  `json:"buyInExpirationSeconds"`
	PendingBuyinProposalLifetimeLimitSeconds int64 `json:"pendingBuyinProposalLifetimeLimitSeconds"`
	MaxDesiredPlayersForAllocation     uint32 `json:"maxDesiredPlayersForAllocation"`
	BlockIntervalSeconds               int64  `json:"blockIntervalSeconds"`
}
