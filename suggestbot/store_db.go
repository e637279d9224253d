package suggestbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore persists message counts and votes to sqlite or postgres.
//
// Flushes receive a complete snapshot, but only rows which changed since
// the last successful flush are upserted. Rows are never deleted, as
// neither counts nor votes are ever removed.
type DBStore struct {
	db     DBI
	logger *slog.Logger

	countsMu      sync.Mutex
	writtenCounts MessageCounts

	votesMu      sync.Mutex
	writtenVotes VoteRecord
}

// NewDBStore opens (and migrates) the database configured by
// [Config.StoreType] and [Config.Database]
func NewDBStore(ctx context.Context, config *Config, logger *slog.Logger) (*DBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Database == "" {
		return nil, errors.New("database is required")
	}
	var dbLevel slog.Leveler = slog.LevelInfo
	if config.DatabaseLogLevel != nil {
		dbLevel = config.DatabaseLogLevel
	}
	db, err := openDB(
		ctx,
		config.StoreType,
		config.Database,
		newLogHandler(defaultLogWriter, dbLevel),
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, err
	}
	return newDBStore(
		NewDatabase(db, logger, config.StoreType != dbTypeSQLite),
		logger,
	), nil
}

func newDBStore(db DBI, logger *slog.Logger) *DBStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStore{
		db:            db,
		logger:        logger.With(loggerNameKey, "db_store"),
		writtenCounts: MessageCounts{},
		writtenVotes:  VoteRecord{},
	}
}

// LoadAll reads every row from both tables. An empty table contributes an
// error matching [ErrNotFound]. Rows with invalid values are reported as
// [CorruptDataError].
func (s *DBStore) LoadAll(ctx context.Context) (Dataset, error) {
	data := emptyDataset()
	db := s.db.DB().WithContext(ctx)

	var countRows []MessageCount
	if err := db.Find(&countRows).Error; err != nil {
		return data, fmt.Errorf("error loading message counts: %w", err)
	}
	var voteRows []SuggestionVote
	if err := db.Find(&voteRows).Error; err != nil {
		return data, fmt.Errorf("error loading votes: %w", err)
	}

	var corrupt []error
	for _, row := range countRows {
		if row.Total < 0 {
			corrupt = append(corrupt, fmt.Errorf("user %s: negative count %d", row.UserID, row.Total))
			continue
		}
		data.MessageCounts[row.UserID] = row.Total
	}
	if err := errors.Join(corrupt...); err != nil {
		return emptyDataset(), &CorruptDataError{Document: documentMessageCounts, Err: err}
	}

	for _, row := range voteRows {
		if !row.Direction.Valid() {
			corrupt = append(
				corrupt,
				fmt.Errorf(
					"suggestion %s: user %s: invalid direction %q",
					row.SuggestionID,
					row.UserID,
					row.Direction,
				),
			)
			continue
		}
		votes, ok := data.Votes[row.SuggestionID]
		if !ok {
			votes = map[string]VoteDirection{}
			data.Votes[row.SuggestionID] = votes
		}
		votes[row.UserID] = row.Direction
	}
	if err := errors.Join(corrupt...); err != nil {
		return emptyDataset(), &CorruptDataError{Document: documentVotes, Err: err}
	}

	s.countsMu.Lock()
	s.writtenCounts = copyMessageCounts(data.MessageCounts)
	s.countsMu.Unlock()

	s.votesMu.Lock()
	s.writtenVotes = copyVoteRecord(data.Votes)
	s.votesMu.Unlock()

	var notFound []error
	if len(countRows) == 0 {
		notFound = append(notFound, fmt.Errorf("%s: %w", documentMessageCounts, ErrNotFound))
	}
	if len(voteRows) == 0 {
		notFound = append(notFound, fmt.Errorf("%s: %w", documentVotes, ErrNotFound))
	}
	s.logger.InfoContext(ctx, "loaded data", "dataset", data)
	return data, errors.Join(notFound...)
}

// FlushMessageCounts upserts counts which differ from the last flush
func (s *DBStore) FlushMessageCounts(ctx context.Context, counts MessageCounts) error {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()

	var rows []MessageCount
	for userID, total := range counts {
		if prev, ok := s.writtenCounts[userID]; ok && prev == total {
			continue
		}
		rows = append(rows, MessageCount{UserID: userID, Total: total})
	}
	if len(rows) == 0 {
		return nil
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"total", "updated_at"}),
				},
			).CreateInBatches(rows, dbUpsertBatchSize).Error
		},
	)
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.writtenCounts[row.UserID] = row.Total
	}
	s.logger.DebugContext(ctx, "upserted message counts", "rows", len(rows))
	return nil
}

// FlushVotes upserts votes which differ from the last flush
func (s *DBStore) FlushVotes(ctx context.Context, votes VoteRecord) error {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()

	var rows []SuggestionVote
	for suggestionID, userVotes := range votes {
		written := s.writtenVotes[suggestionID]
		for userID, direction := range userVotes {
			if prev, ok := written[userID]; ok && prev == direction {
				continue
			}
			rows = append(
				rows,
				SuggestionVote{
					SuggestionID: suggestionID,
					UserID:       userID,
					Direction:    direction,
				},
			)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: "suggestion_id"},
						{Name: "user_id"},
					},
					DoUpdates: clause.AssignmentColumns([]string{"direction", "updated_at"}),
				},
			).CreateInBatches(rows, dbUpsertBatchSize).Error
		},
	)
	if err != nil {
		return err
	}
	for _, row := range rows {
		written, ok := s.writtenVotes[row.SuggestionID]
		if !ok {
			written = map[string]VoteDirection{}
			s.writtenVotes[row.SuggestionID] = written
		}
		written[row.UserID] = row.Direction
	}
	s.logger.DebugContext(ctx, "upserted votes", "rows", len(rows))
	return nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}

func copyMessageCounts(counts MessageCounts) MessageCounts {
	c := make(MessageCounts, len(counts))
	for k, v := range counts {
		c[k] = v
	}
	return c
}

func copyVoteRecord(votes VoteRecord) VoteRecord {
	c := make(VoteRecord, len(votes))
	for suggestionID, userVotes := range votes {
		m := make(map[string]VoteDirection, len(userVotes))
		for userID, direction := range userVotes {
			m[userID] = direction
		}
		c[suggestionID] = m
	}
	return c
}
