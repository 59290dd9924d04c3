// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// =============================================================================
// Key Layout
// =============================================================================
//
//	conv/<id>/meta          -> conversationMeta (JSON)
//	conv/<id>/msg/<seq BE8> -> datatypes.Message (JSON)
//
// The big-endian sequence encoding makes lexicographic key order equal
// numeric message order, so a prefix iteration yields the ledger in order.
// The activeStreamID try-lock is process-local (see BadgerStore docs), never
// written to disk: a crashed process must not leave conversations locked.

func metaKey(conversationID string) []byte {
	return []byte("conv/" + conversationID + "/meta")
}

func msgPrefix(conversationID string) []byte {
	return []byte("conv/" + conversationID + "/msg/")
}

func msgKey(conversationID string, seq uint64) []byte {
	key := msgPrefix(conversationID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// conversationMeta is the persisted portion of a conversation record.
type conversationMeta struct {
	ID        string    `json:"conversation_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	NextSeq   uint64    `json:"next_seq"`
}

// =============================================================================
// BadgerConfig
// =============================================================================

// BadgerConfig holds configuration for the embedded ledger.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory disables disk persistence. Useful for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB internal logging. Nil disables it.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore is a ConversationStore backed by an embedded BadgerDB ledger.
//
// # Description
//
// Messages and conversation metadata are durable; the per-conversation
// exclusive-writer token is deliberately held in process memory only. A
// persisted lock would survive a crash and wedge the conversation, while the
// in-memory token dies with the process that owned the stream — exactly the
// lifetime the lock should have. This assumes a single orchestrator process
// per ledger directory, which BadgerDB itself already requires (directory
// lock).
//
// # Thread Safety
//
// Safe for concurrent use. Append atomicity comes from BadgerDB
// transactions; lock atomicity from the locks mutex.
type BadgerStore struct {
	db *badger.DB

	mu    sync.Mutex
	locks map[string]string // conversationID -> owning streamID
}

// OpenBadger opens (or creates) a ledger with the given configuration.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent ledger")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}

	return &BadgerStore{db: db, locks: make(map[string]string)}, nil
}

// CreateConversation provisions an empty conversation owned by the session.
func (s *BadgerStore) CreateConversation(_ context.Context, sessionID string) (datatypes.Conversation, error) {
	meta := conversationMeta{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		NextSeq:   1,
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(meta.ID), data)
	})
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	return datatypes.Conversation{
		ID:        meta.ID,
		SessionID: meta.SessionID,
		CreatedAt: meta.CreatedAt,
	}, nil
}

// Conversation returns the conversation metadata plus the in-memory lock
// holder if any.
func (s *BadgerStore) Conversation(_ context.Context, conversationID string) (datatypes.Conversation, error) {
	meta, err := s.readMeta(conversationID)
	if err != nil {
		return datatypes.Conversation{}, err
	}

	conv := datatypes.Conversation{
		ID:        meta.ID,
		SessionID: meta.SessionID,
		CreatedAt: meta.CreatedAt,
	}

	s.mu.Lock()
	if owner, ok := s.locks[conversationID]; ok {
		conv.ActiveStreamID = &owner
	}
	s.mu.Unlock()

	return conv, nil
}

// TryAcquire atomically claims the conversation for streamID.
func (s *BadgerStore) TryAcquire(_ context.Context, conversationID, streamID string) (bool, error) {
	if _, err := s.readMeta(conversationID); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[conversationID]; held {
		return false, nil
	}
	s.locks[conversationID] = streamID
	return true, nil
}

// Release clears the lock only if streamID still owns it.
func (s *BadgerStore) Release(_ context.Context, conversationID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, held := s.locks[conversationID]; held && owner == streamID {
		delete(s.locks, conversationID)
	}
	return nil
}

// NextSeq returns the next sequence number to be assigned.
func (s *BadgerStore) NextSeq(_ context.Context, conversationID string) (uint64, error) {
	meta, err := s.readMeta(conversationID)
	if err != nil {
		return 0, err
	}
	return meta.NextSeq, nil
}

// AppendFinal appends msg at expectedSeq. The sequence check and the write
// share one transaction, so concurrent appends serialize on the ledger.
func (s *BadgerStore) AppendFinal(_ context.Context, conversationID string, expectedSeq uint64, msg datatypes.Message) (datatypes.Message, error) {
	var stored datatypes.Message

	err := s.db.Update(func(txn *badger.Txn) error {
		meta, err := readMetaTxn(txn, conversationID)
		if err != nil {
			return err
		}
		if expectedSeq != meta.NextSeq {
			return &SequenceConflictError{
				ConversationID: conversationID,
				Expected:       expectedSeq,
				Actual:         meta.NextSeq,
			}
		}

		msg.ConversationID = conversationID
		msg.Seq = meta.NextSeq
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(conversationID, msg.Seq), data); err != nil {
			return err
		}

		meta.NextSeq++
		metaData, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := txn.Set(metaKey(conversationID), metaData); err != nil {
			return err
		}

		stored = msg
		return nil
	})
	if err != nil {
		return datatypes.Message{}, err
	}
	return stored, nil
}

// FinalizeMessage performs the one-shot partial/failed → complete repair.
func (s *BadgerStore) FinalizeMessage(_ context.Context, conversationID string, seq uint64, content string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(conversationID, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		var msg datatypes.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		if msg.Status == datatypes.StatusComplete {
			return ErrMessageImmutable
		}
		msg.Content = content
		msg.Status = datatypes.StatusComplete

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(conversationID, seq), data)
	})
}

// ReadHistory returns the ordered tail of the conversation's messages.
func (s *BadgerStore) ReadHistory(_ context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if _, err := s.readMeta(conversationID); err != nil {
		return nil, err
	}

	var msgs []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix(conversationID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// readMeta loads conversation metadata in a read-only transaction.
func (s *BadgerStore) readMeta(conversationID string) (conversationMeta, error) {
	var meta conversationMeta
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := readMetaTxn(txn, conversationID)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

// readMetaTxn loads conversation metadata inside an existing transaction.
func readMetaTxn(txn *badger.Txn, conversationID string) (conversationMeta, error) {
	var meta conversationMeta

	item, err := txn.Get(metaKey(conversationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, ErrConversationNotFound
	}
	if err != nil {
		return meta, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

var _ ConversationStore = (*BadgerStore)(nil)
