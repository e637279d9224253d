package suggestbot

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	documentMessageCounts = "message_counts"
	documentVotes         = "votes"

	storeTypeFile     = "file"
	storeTypeSQLite   = dbTypeSQLite
	storeTypePostgres = dbTypePostgres
)

// Dataset is everything the bot persists
type Dataset struct {
	MessageCounts MessageCounts `json:"message_counts"`
	Votes         VoteRecord    `json:"votes"`
}

func (d Dataset) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("message_count_users", len(d.MessageCounts)),
		slog.Int64("messages", d.MessageCounts.Total()),
		slog.Int("suggestions", len(d.Votes)),
		slog.Int("votes", d.Votes.Count()),
	)
}

// Store is the durable storage for message counts and votes.
//
// LoadAll always returns a usable (possibly empty) [Dataset] unless the
// error matches [ErrCorruptData]. A document which simply doesn't exist
// yet is reported with an error matching [ErrNotFound], which callers
// should treat as informational.
//
// Flushes write a complete snapshot of one document. A failed flush must
// leave the previously written document readable.
type Store interface {
	LoadAll(ctx context.Context) (Dataset, error)
	FlushMessageCounts(ctx context.Context, counts MessageCounts) error
	FlushVotes(ctx context.Context, votes VoteRecord) error
	Close() error
}

// NewStore returns the [Store] configured by [Config.StoreType]
func NewStore(ctx context.Context, config *Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch config.StoreType {
	case storeTypeFile:
		return NewFileStore(config.DataDir, logger)
	case storeTypeSQLite, storeTypePostgres:
		return NewDBStore(ctx, config, logger)
	default:
		return nil, fmt.Errorf(
			"unsupported store type: %q (must be %q, %q or %q)",
			config.StoreType,
			storeTypeFile,
			storeTypeSQLite,
			storeTypePostgres,
		)
	}
}

func emptyDataset() Dataset {
	return Dataset{
		MessageCounts: MessageCounts{},
		Votes:         VoteRecord{},
	}
}
