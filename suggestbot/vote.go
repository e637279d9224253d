package suggestbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// VoteDirection is the direction of a single user's vote on a suggestion
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// ParseVoteDirection parses 'up' or 'down' into a [VoteDirection]. The
// button custom IDs ('thumbs_up', 'thumbs_down') are also accepted, as those
// are the values older vote files were written with.
func ParseVoteDirection(s string) (VoteDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(VoteUp), customIDThumbsUp:
		return VoteUp, nil
	case string(VoteDown), customIDThumbsDown:
		return VoteDown, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidVote, s)
	}
}

func (v VoteDirection) Valid() bool {
	return v == VoteUp || v == VoteDown
}

func (v VoteDirection) String() string {
	return string(v)
}

// Tally is the number of up and down votes on a suggestion. It's always
// derived from the ledger's vote entries, and never stored on its own.
type Tally struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

func (t Tally) Total() int64 {
	return t.Up + t.Down
}

// View renders the tally with [Render]
func (t Tally) View() TallyView {
	return Render(t.Up, t.Down)
}

func (t Tally) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("up", t.Up),
		slog.Int64("down", t.Down),
	)
}

// VoteRecord maps suggestion IDs to user IDs to that user's vote
type VoteRecord map[string]map[string]VoteDirection

// Count returns the total number of votes in the record
func (r VoteRecord) Count() int {
	var n int
	for _, votes := range r {
		n += len(votes)
	}
	return n
}

// voteFlusher persists the ledger's current state. Implemented by [Persister].
type voteFlusher interface {
	FlushVotes(ctx context.Context) error
}

// suggestionVotes holds the votes for a single suggestion. All reads and
// writes go through mu, which serializes votes on the same suggestion.
type suggestionVotes struct {
	mu    sync.Mutex
	votes map[string]VoteDirection
	tally Tally
}

func (s *suggestionVotes) cast(
	suggestionID string,
	userID string,
	direction VoteDirection,
) (tally Tally, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, voted := s.votes[userID]
	if voted && prev == direction {
		return s.tally, false, &DuplicateVoteError{
			SuggestionID: suggestionID,
			UserID:       userID,
			Direction:    direction,
		}
	}

	if voted {
		switch prev {
		case VoteUp:
			s.tally.Up--
		case VoteDown:
			s.tally.Down--
		}
	}

	switch direction {
	case VoteUp:
		s.tally.Up++
	case VoteDown:
		s.tally.Down++
	}
	s.votes[userID] = direction

	return s.tally, voted, nil
}

// VoteLedger is the in-memory, authoritative record of suggestion votes.
//
// Each user has at most one vote per suggestion. Votes on the same
// suggestion are serialized, while votes on different suggestions don't
// contend with each other beyond a short read lock on the suggestion map.
// After each accepted vote, the full vote record is flushed to the store
// before CastVote returns.
type VoteLedger struct {
	suggestions map[string]*suggestionVotes

	// protecc the map (not the entries - those have their own lock)
	mu sync.RWMutex

	flusher voteFlusher
	logger  *slog.Logger

	metricVotesCast      atomic.Int64
	metricVotesChanged   atomic.Int64
	metricDuplicateVotes atomic.Int64
}

// NewVoteLedger creates a VoteLedger from a previously saved [VoteRecord].
// Tallies are recomputed from the entries. If flusher is nil, votes are
// only held in memory.
func NewVoteLedger(
	records VoteRecord,
	flusher voteFlusher,
	logger *slog.Logger,
) (*VoteLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &VoteLedger{
		suggestions: make(map[string]*suggestionVotes, len(records)),
		flusher:     flusher,
		logger:      logger.With(loggerNameKey, "vote_ledger"),
	}

	var errs []error
	for suggestionID, votes := range records {
		s := &suggestionVotes{votes: make(map[string]VoteDirection, len(votes))}
		for userID, direction := range votes {
			if !direction.Valid() {
				errs = append(
					errs,
					fmt.Errorf(
						"suggestion %s: user %s: invalid direction %q",
						suggestionID,
						userID,
						direction,
					),
				)
				continue
			}
			s.votes[userID] = direction
			switch direction {
			case VoteUp:
				s.tally.Up++
			case VoteDown:
				s.tally.Down++
			}
		}
		if len(s.votes) > 0 {
			l.suggestions[suggestionID] = s
		}
	}
	if len(errs) > 0 {
		return nil, &CorruptDataError{Document: documentVotes, Err: errors.Join(errs...)}
	}
	return l, nil
}

// suggestion returns the vote state for the given suggestion ID, creating
// it if it doesn't exist yet
func (l *VoteLedger) suggestion(suggestionID string) *suggestionVotes {
	l.mu.RLock()
	s, ok := l.suggestions[suggestionID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok = l.suggestions[suggestionID]
	if !ok {
		s = &suggestionVotes{votes: map[string]VoteDirection{}}
		l.suggestions[suggestionID] = s
	}
	return s
}

// CastVote records userID's vote on suggestionID, and returns the
// suggestion's updated tally.
//
// If the user already voted in the same direction, a *[DuplicateVoteError]
// is returned along with the unchanged tally. If the user previously voted
// the other way, that vote is retracted: up->down yields (up-1, down+1).
//
// Once the vote is recorded, the vote record is flushed. If that fails,
// the returned tally is still valid (the vote stands in memory) and the
// error is a *[PersistenceError].
func (l *VoteLedger) CastVote(
	ctx context.Context,
	suggestionID string,
	userID string,
	direction VoteDirection,
) (Tally, error) {
	if suggestionID == "" || userID == "" {
		return Tally{}, fmt.Errorf("%w: suggestion and user IDs are required", ErrInvalidVote)
	}
	if !direction.Valid() {
		return Tally{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidVote, direction)
	}

	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = l.logger
	}

	tally, changed, err := l.suggestion(suggestionID).cast(suggestionID, userID, direction)
	if err != nil {
		if errors.Is(err, ErrDuplicateVote) {
			l.metricDuplicateVotes.Add(1)
		}
		return tally, err
	}

	l.metricVotesCast.Add(1)
	if changed {
		l.metricVotesChanged.Add(1)
	}
	logger.InfoContext(
		ctx,
		"vote recorded",
		"suggestion_id", suggestionID,
		"user_id", userID,
		"direction", direction,
		"tally", tally,
	)

	if l.flusher == nil {
		return tally, nil
	}
	if flushErr := l.flusher.FlushVotes(ctx); flushErr != nil {
		return tally, flushErr
	}
	return tally, nil
}

// GetTally returns the current tally for the given suggestion. Unknown
// suggestions have a zero tally.
func (l *VoteLedger) GetTally(suggestionID string) Tally {
	l.mu.RLock()
	s, ok := l.suggestions[suggestionID]
	l.mu.RUnlock()
	if !ok {
		return Tally{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}

// UserVote returns the given user's current vote on a suggestion, and
// whether they've voted at all
func (l *VoteLedger) UserVote(suggestionID, userID string) (VoteDirection, bool) {
	l.mu.RLock()
	s, ok := l.suggestions[suggestionID]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	direction, ok := s.votes[userID]
	return direction, ok
}

// Snapshot returns a deep copy of every recorded vote
func (l *VoteLedger) Snapshot() VoteRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := make(VoteRecord, len(l.suggestions))
	for suggestionID, s := range l.suggestions {
		s.mu.Lock()
		if len(s.votes) > 0 {
			votes := make(map[string]VoteDirection, len(s.votes))
			for userID, direction := range s.votes {
				votes[userID] = direction
			}
			snapshot[suggestionID] = votes
		}
		s.mu.Unlock()
	}
	return snapshot
}

// LedgerMetrics reports counters from a [VoteLedger]
type LedgerMetrics struct {
	Suggestions    int   `json:"suggestions"`
	VotesCast      int64 `json:"votes_cast"`
	VotesChanged   int64 `json:"votes_changed"`
	DuplicateVotes int64 `json:"duplicate_votes"`
}

func (l *VoteLedger) Metrics() LedgerMetrics {
	l.mu.RLock()
	n := len(l.suggestions)
	l.mu.RUnlock()
	return LedgerMetrics{
		Suggestions:    n,
		VotesCast:      l.metricVotesCast.Load(),
		VotesChanged:   l.metricVotesChanged.Load(),
		DuplicateVotes: l.metricDuplicateVotes.Load(),
	}
}
