package suggestbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	fileNameMessageCounts = "message_counts.json"
	fileNameVotes         = "votes.json"

	fileDocumentVersion = 1
	dataDirPerm         = 0o755
	dataFilePerm        = 0o644
)

// fileDocument is the on-disk envelope for each JSON document
type fileDocument struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// FileStore keeps each dataset in its own JSON document under a data
// directory. Writes go to a temp file in the same directory, which is
// synced and then renamed over the previous document, so a crash can't
// leave a partially written file behind.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// one writer per document
	countsMu sync.Mutex
	votesMu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating the directory
// if it doesn't exist
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dir, dataDirPerm); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(loggerNameKey, "file_store", "data_dir", dir),
	}, nil
}

func (s *FileStore) messageCountsPath() string {
	return filepath.Join(s.dir, fileNameMessageCounts)
}

func (s *FileStore) votesPath() string {
	return filepath.Join(s.dir, fileNameVotes)
}

// LoadAll reads both documents. Each document that doesn't exist yet
// contributes an error matching [ErrNotFound], and an empty mapping.
func (s *FileStore) LoadAll(ctx context.Context) (Dataset, error) {
	data := emptyDataset()
	var errs []error

	counts, err := s.loadMessageCounts()
	switch {
	case err == nil:
		data.MessageCounts = counts
	case errors.Is(err, ErrNotFound):
		errs = append(errs, err)
	default:
		return data, err
	}

	votes, err := s.loadVotes()
	switch {
	case err == nil:
		data.Votes = votes
	case errors.Is(err, ErrNotFound):
		errs = append(errs, err)
	default:
		return data, err
	}

	s.logger.InfoContext(ctx, "loaded data", "dataset", data)
	return data, errors.Join(errs...)
}

func (s *FileStore) loadMessageCounts() (MessageCounts, error) {
	raw, err := readDocument(s.messageCountsPath(), documentMessageCounts)
	if err != nil {
		return nil, err
	}
	counts, err := decodeMessageCounts(raw)
	if err != nil {
		return nil, &CorruptDataError{Document: s.messageCountsPath(), Err: err}
	}
	return counts, nil
}

func (s *FileStore) loadVotes() (VoteRecord, error) {
	raw, err := readDocument(s.votesPath(), documentVotes)
	if err != nil {
		return nil, err
	}
	votes, err := decodeVotes(raw)
	if err != nil {
		return nil, &CorruptDataError{Document: s.votesPath(), Err: err}
	}
	return votes, nil
}

// FlushMessageCounts replaces the message count document with counts
func (s *FileStore) FlushMessageCounts(ctx context.Context, counts MessageCounts) error {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	if counts == nil {
		counts = MessageCounts{}
	}
	return s.write(ctx, s.messageCountsPath(), counts)
}

// FlushVotes replaces the vote document with votes
func (s *FileStore) FlushVotes(ctx context.Context, votes VoteRecord) error {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()
	if votes == nil {
		votes = VoteRecord{}
	}
	return s.write(ctx, s.votesPath(), votes)
}

func (s *FileStore) write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	doc := fileDocument{
		Version:   fileDocumentVersion,
		UpdatedAt: time.Now().UTC(),
		Data:      data,
	}
	size, err := writeJSONAtomic(path, doc)
	if err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "wrote document", "path", path, "size", humanize.Bytes(uint64(size)))
	return nil
}

func (*FileStore) Close() error {
	return nil
}

// readDocument returns the data of the document at path. Documents
// without the version envelope (a bare JSON object) are returned as-is.
func readDocument(path string, name string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &CorruptDataError{Document: path, Err: errors.New("empty file")}
	}

	var probe map[string]json.RawMessage
	if err = json.Unmarshal(b, &probe); err != nil {
		return nil, &CorruptDataError{Document: path, Err: err}
	}
	if _, ok := probe["version"]; !ok {
		return b, nil
	}

	var doc fileDocument
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, &CorruptDataError{Document: path, Err: err}
	}
	if doc.Version != fileDocumentVersion {
		return nil, &CorruptDataError{
			Document: path,
			Err:      fmt.Errorf("unsupported document version %d", doc.Version),
		}
	}
	if len(doc.Data) == 0 || bytes.Equal(doc.Data, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	return doc.Data, nil
}

// decodeMessageCounts accepts both {"user": 3} and the older
// {"user": {"total": 3}} forms.
func decodeMessageCounts(raw json.RawMessage) (MessageCounts, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	counts := make(MessageCounts, len(entries))
	var errs []error
	for userID, v := range entries {
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			var legacy struct {
				Total *int64 `json:"total"`
			}
			if legacyErr := json.Unmarshal(v, &legacy); legacyErr != nil || legacy.Total == nil {
				errs = append(errs, fmt.Errorf("user %s: invalid count %s", userID, string(v)))
				continue
			}
			n = *legacy.Total
		}
		if n < 0 {
			errs = append(errs, fmt.Errorf("user %s: negative count %d", userID, n))
			continue
		}
		counts[userID] = n
	}
	return counts, errors.Join(errs...)
}

func decodeVotes(raw json.RawMessage) (VoteRecord, error) {
	var entries map[string]map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	votes := make(VoteRecord, len(entries))
	var errs []error
	for suggestionID, userVotes := range entries {
		if len(userVotes) == 0 {
			continue
		}
		m := make(map[string]VoteDirection, len(userVotes))
		for userID, v := range userVotes {
			direction, err := ParseVoteDirection(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("suggestion %s: user %s: %w", suggestionID, userID, err))
				continue
			}
			m[userID] = direction
		}
		votes[suggestionID] = m
	}
	return votes, errors.Join(errs...)
}

// writeJSONAtomic writes value to path via a synced temp file in the same
// directory and a rename. It returns the number of bytes written.
func writeJSONAtomic(path string, value any) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dataDirPerm); err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return 0, err
	}
	if err = os.Chmod(tmpName, dataFilePerm); err != nil {
		cleanup()
		return 0, err
	}
	if err = os.Rename(tmpName, path); err != nil {
		cleanup()
		return 0, err
	}

	// persist the rename itself. not supported everywhere, so errors
	// are ignored
	if d, dirErr := os.Open(dir); dirErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return len(data), nil
}
