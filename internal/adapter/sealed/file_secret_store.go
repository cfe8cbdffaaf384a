// Package sealed stores device secrets in a local file encrypted with age.
//
// The file holds a single age payload (scrypt passphrase recipient) whose
// plaintext is a JSON object keyed by secret kind. Every write rewrites the
// whole file through a temporary file and an atomic rename.
package sealed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
)

var _ repository.SecretStore = (*FileSecretStore)(nil)

// FileSecretStore is a SecretStore persisted to an age-encrypted file.
type FileSecretStore struct {
	path       string
	passphrase string
	workFactor int

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// Option customizes a FileSecretStore.
type Option func(*FileSecretStore)

// WithWorkFactor sets the scrypt work factor (log2 N) used when writing.
func WithWorkFactor(logN int) Option {
	return func(s *FileSecretStore) {
		s.workFactor = logN
	}
}

// NewFileSecretStore returns a store writing to path. The passphrase must be
// non-empty; Init reports the error otherwise.
func NewFileSecretStore(path, passphrase string, opts ...Option) *FileSecretStore {
	s := &FileSecretStore{path: path, passphrase: passphrase}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init loads the existing file, or creates an empty one.
func (s *FileSecretStore) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passphrase == "" {
		return fmt.Errorf("secret store passphrase is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create secret store directory: %w", err)
	}

	values, err := s.read()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		values = make(map[string]string)
		if err := s.write(values); err != nil {
			return err
		}
	}
	s.values = values
	s.loaded = true
	return nil
}

func (s *FileSecretStore) Get(ctx context.Context, kind domain.SecretKind) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", false, err
	}
	value, ok := s.values[kind.Key()]
	return value, ok, nil
}

func (s *FileSecretStore) Set(ctx context.Context, kind domain.SecretKind, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	next := cloneValues(s.values)
	next[kind.Key()] = value
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileSecretStore) Delete(ctx context.Context, kind domain.SecretKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.values[kind.Key()]; !ok {
		return nil
	}
	next := cloneValues(s.values)
	delete(next, kind.Key())
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileSecretStore) ensureLoaded() error {
	if !s.loaded {
		return fmt.Errorf("secret store %s not initialized", s.path)
	}
	return nil
}

func (s *FileSecretStore) read() (map[string]string, error) {
	ciphertext, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse secret store passphrase: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret store: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read secret store: %w", err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("decode secret store: %w", err)
	}
	return values, nil
}

func (s *FileSecretStore) write(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode secret store: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("create age recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("write secret store plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize secret store encryption: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".appguard-secrets-*")
	if err != nil {
		return fmt.Errorf("create temp secret file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp secret file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp secret file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace secret file: %w", err)
	}
	return nil
}

func cloneValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	return out
}
