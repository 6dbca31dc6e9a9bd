package engine

import "errors"

// Sentinel errors surfaced by the admission and validation paths. Kept
// as plain stdlib errors rather than a separate error-code framework.
var (
	ErrUnknownTable       = errors.New("engine: unknown table")
	ErrWrongTableOwner    = errors.New("engine: table_owner mismatch")
	ErrWrongVoteState     = errors.New("engine: vote not permitted in current table state")
	ErrDuplicateVote      = errors.New("engine: voter already has a vote or pending entry for this table")
	ErrIneligibleVoter    = errors.New("engine: voter is not owner, witness, or eligible player")
	ErrInvalidVoteData    = errors.New("engine: vote data fails invariant validation")
	ErrEmptyStartVote     = errors.New("engine: start-vote cash must not be empty")
	ErrPlayerNotSeated    = errors.New("engine: account is not a seated player")
	ErrInsufficientCash   = errors.New("engine: player lacks sufficient cash to commit")
	ErrEtalonMismatch     = errors.New("engine: player set disagrees with the etalon start-vote")
	ErrPlayerSetMismatch  = errors.New("engine: result-vote player set disagrees with playing_cash")
	ErrCashNotConserved   = errors.New("engine: result-vote cash+rake does not conserve playing_cash")
)
