package splerrors

import "errors"

var (
	ErrNotFound            = errors.New("splinter: not found")
	ErrClosed              = errors.New("splinter: closed")
	ErrInvalidProposal     = errors.New("splinter: invalid proposal")
	ErrUnauthorizedVoter   = errors.New("splinter: unauthorized voter")
	ErrDuplicateVote       = errors.New("splinter: duplicate vote")
	ErrConsensusTimeout    = errors.New("splinter: consensus timeout")
	ErrSequenceViolation   = errors.New("splinter: sequence violation")
	ErrCircuitNotPurgeable = errors.New("splinter: circuit not purgeable")
	ErrStorageFailure      = errors.New("splinter: storage failure")
	ErrBatchInFlight       = errors.New("splinter: batch already in flight")
	ErrWithdrawDenied      = errors.New("splinter: proposal can no longer be withdrawn")
)
