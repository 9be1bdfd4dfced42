// Package jsonfile implements UserRepository over a single JSON document that
// lives in memory and is periodically flushed to disk.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/model"
	"github.com/and161185/udpauth/internal/repository"
)

var _ repository.UserRepository = (*Store)(nil)

// Store is the file-backed user repository. The in-memory document is
// authoritative; disk catches up on Flush.
type Store struct {
	path string
	log  *zap.Logger

	mu  sync.Mutex
	doc *model.Document

	newUID  func() (string, error)
	onFlush func(error)
}

// Open loads the document at path, creating it if absent.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, log: log, doc: model.NewDocument(), newUID: newUID}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// newUID returns 8 hex chars taken from a random V4 uuid.
func newUID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id.Bytes()[:4]), nil
}

// Load replaces the in-memory document with the one on disk. A missing file
// is created empty; a malformed one is discarded and the store starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.mu.Lock()
		s.doc = model.NewDocument()
		s.mu.Unlock()
		return s.Flush()
	case err != nil:
		return fmt.Errorf("read store %s: %w", s.path, err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		s.log.Warn("store file is malformed, starting empty", zap.String("path", s.path), zap.Error(err))
		doc = model.NewDocument()
	}
	reindex(doc)

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.log.Info("store loaded", zap.String("path", s.path), zap.Int("users", len(doc.Users)))
	return nil
}

// decodeDocument keeps info numbers as json.Number so large integers are not
// rounded through float64 on every reload.
func decodeDocument(data []byte) (*model.Document, error) {
	doc := model.NewDocument()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return doc, nil
}

// reindex drops nil records and rebuilds the username index from users.
func reindex(doc *model.Document) {
	if doc.Users == nil {
		doc.Users = map[string]*model.UserRecord{}
	}
	idx := make(map[string]string, len(doc.Users))
	for uid, rec := range doc.Users {
		if rec == nil {
			delete(doc.Users, uid)
			continue
		}
		rec.UID = uid
		if rec.Info == nil {
			rec.Info = map[string]any{}
		}
		idx[rec.Username] = uid
	}
	doc.Indexes.UsernameToUID = idx
}

// AddUser inserts rec under a new uid. Users and index change in one critical
// section. A username that is already indexed is rejected with ErrAlreadyExists.
func (s *Store) AddUser(_ context.Context, rec *model.UserRecord) (string, error) {
	if rec == nil || rec.Username == "" {
		return "", errors.New("validation: empty username")
	}
	uid, err := s.newUID()
	if err != nil {
		return "", fmt.Errorf("generate uid: %w", err)
	}
	cpy := rec.Clone()
	cpy.UID = uid

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.doc.Indexes.UsernameToUID[cpy.Username]; exists {
		return "", errs.ErrAlreadyExists
	}
	s.doc.Users[uid] = cpy
	s.doc.Indexes.UsernameToUID[cpy.Username] = uid
	return uid, nil
}

// GetByUsername returns a copy of the user indexed under username.
func (s *Store) GetByUsername(_ context.Context, username string) (*model.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.doc.Indexes.UsernameToUID[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.getLocked(uid)
}

// GetByUID returns a copy of the user stored under uid.
func (s *Store) GetByUID(_ context.Context, uid string) (*model.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(uid)
}

func (s *Store) getLocked(uid string) (*model.UserRecord, error) {
	rec, ok := s.doc.Users[uid]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return rec.Clone(), nil
}

// UpdateUser overwrites the record at uid, or at the uid indexed for username
// when uid is empty. A changed username moves the index entry.
func (s *Store) UpdateUser(_ context.Context, uid, username string, rec *model.UserRecord) error {
	if rec == nil || rec.Username == "" {
		return errors.New("validation: empty username")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if uid == "" {
		var ok bool
		if uid, ok = s.doc.Indexes.UsernameToUID[username]; !ok {
			return errs.ErrNotFound
		}
	}
	old, ok := s.doc.Users[uid]
	if !ok {
		return errs.ErrNotFound
	}
	if old.Username != rec.Username {
		if _, taken := s.doc.Indexes.UsernameToUID[rec.Username]; taken {
			return errs.ErrAlreadyExists
		}
		delete(s.doc.Indexes.UsernameToUID, old.Username)
		s.doc.Indexes.UsernameToUID[rec.Username] = uid
	}
	cpy := rec.Clone()
	cpy.UID = uid
	s.doc.Users[uid] = cpy
	return nil
}

// OnFlush registers fn to be called with the result of every Flush. It must
// be set before the store is shared.
func (s *Store) OnFlush(fn func(error)) { s.onFlush = fn }

// Flush writes the whole document to disk. The lock is held from snapshot to
// rename, so concurrent flushes never interleave.
func (s *Store) Flush() error {
	err := s.flush()
	if s.onFlush != nil {
		s.onFlush(err)
	}
	return err
}

func (s *Store) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}
	return nil
}

// Run flushes every interval until ctx is done. Failures are logged and the
// next tick tries again.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Flush(); err != nil {
				s.log.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// Close performs a final flush.
func (s *Store) Close() error {
	return s.Flush()
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.NewDocument()
	for uid, rec := range s.doc.Users {
		out.Users[uid] = rec.Clone()
	}
	for name, uid := range s.doc.Indexes.UsernameToUID {
		out.Indexes.UsernameToUID[name] = uid
	}
	return out
}
