package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

const (
	sessionPrefix = "session/"
	indexPrefix   = "session-id/"
)

// Journal is a local append-only session log. Keys order sessions by
// start time so listing newest first is a reverse prefix scan.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
}

type loggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*loggerAdapter)(nil)

func (l *loggerAdapter) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Infof(msg string, items ...any) {
	l.logger.Info(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens the journal at path, or in memory when path is empty.
func Open(path string) (*Journal, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}

	logger := slog.Default().With("component", "session-journal")
	opts.Logger = &loggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores the session unless its identifier is already present.
func (j *Journal) Append(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "journal append", errors.New("session id is required"))
	}

	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := sessionKey(session)
	idxKey := []byte(indexPrefix + session.ID)

	return j.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idxKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("lookup session index: %w", err)
		}
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
		if err := txn.Set(idxKey, key); err != nil {
			return fmt.Errorf("write session index: %w", err)
		}
		return nil
	})
}

func (j *Journal) Get(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}

	var session domain.Session
	err := j.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get([]byte(indexPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.WrapError(domain.ErrNotFound, "journal get", fmt.Errorf("session %s", id))
		}
		if err != nil {
			return fmt.Errorf("lookup session index: %w", err)
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read session index: %w", err)
		}
		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	return session, err
}

// List returns up to limit sessions, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]domain.Session, error) {
	out := make([]domain.Session, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration has to start past the last key with the prefix.
		seek := append([]byte(sessionPrefix), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var session domain.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				j.logger.Warn("journal_entry_skipped", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sessionKey(session domain.Session) []byte {
	key := make([]byte, 0, len(sessionPrefix)+8+1+len(session.ID))
	key = append(key, sessionPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(session.StartedAt.UnixNano()))
	key = append(key, '/')
	key = append(key, session.ID...)
	return key
}
