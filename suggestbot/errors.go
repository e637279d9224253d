package suggestbot

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateVote is matched by [DuplicateVoteError], returned when a
	// user casts the same vote they already have on a suggestion.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrInvalidVote is returned for votes with an empty suggestion/user ID
	// or an unknown direction.
	ErrInvalidVote = errors.New("invalid vote")

	// ErrNotFound indicates a dataset has never been written. Loading
	// continues with an empty dataset.
	ErrNotFound = errors.New("not found")

	// ErrCorruptData indicates a dataset exists but can't be read. This is
	// fatal at startup, and the existing data is left untouched.
	ErrCorruptData = errors.New("corrupt data")

	// ErrPersistenceFailure is matched by [PersistenceError]
	ErrPersistenceFailure = errors.New("persistence failure")
)

// DuplicateVoteError is returned by [VoteLedger.CastVote] when the user's
// existing vote already matches the requested direction. No state is
// changed.
type DuplicateVoteError struct {
	SuggestionID string
	UserID       string
	Direction    VoteDirection
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf(
		"user %s already voted %s on suggestion %s",
		e.UserID,
		e.Direction,
		e.SuggestionID,
	)
}

func (*DuplicateVoteError) Is(target error) bool {
	return target == ErrDuplicateVote
}

// CorruptDataError describes a stored document that exists, but couldn't
// be parsed or failed validation.
type CorruptDataError struct {
	Document string
	Err      error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCorruptData, e.Document, e.Err)
}

func (*CorruptDataError) Is(target error) bool {
	return target == ErrCorruptData
}

func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// PersistenceError is returned when a snapshot couldn't be written to the
// [Store]. The in-memory state it describes is still current, and the
// document stays dirty until a later flush succeeds.
type PersistenceError struct {
	Document string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistenceFailure, e.Document, e.Err)
}

func (*PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
