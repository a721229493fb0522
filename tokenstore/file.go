package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/entityauth/EntityKit-sub003/security/seal"
)

// SealedFile keeps both tokens in one passphrase-sealed file.
// Writes go through a temp file and rename so a crash never leaves a torn file.
type SealedFile struct {
	mu         sync.Mutex
	path       string
	passphrase string
	seal       seal.Config
}

type filePair struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// NewSealedFile returns a store backed by path, sealed with passphrase.
func NewSealedFile(path, passphrase string, cfg seal.Config) (*SealedFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, storageErr("open file", errors.New("empty path"))
	}
	if passphrase == "" {
		return nil, storageErr("open file", seal.ErrEmptyPassphrase)
	}
	return &SealedFile{path: path, passphrase: passphrase, seal: cfg}, nil
}

// DefaultFilePath is <user config dir>/entityauth/<namespace>.tokens.
func DefaultFilePath(namespace string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	if namespace == "" {
		namespace = "default"
	}
	return filepath.Join(dir, "entityauth", namespace+".tokens"), nil
}

// Path returns the backing file path.
func (f *SealedFile) Path() string { return f.path }

func (f *SealedFile) LoadAccessToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.read()
	return p.AccessToken, storageErr("load access token", err)
}

func (f *SealedFile) LoadRefreshToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.read()
	return p.RefreshToken, storageErr("load refresh token", err)
}

func (f *SealedFile) SaveAccessToken(_ context.Context, token string) error {
	return storageErr("save access token", f.modify(func(p *filePair) { p.AccessToken = token }))
}

func (f *SealedFile) SaveRefreshToken(_ context.Context, token string) error {
	return storageErr("save refresh token", f.modify(func(p *filePair) { p.RefreshToken = token }))
}

func (f *SealedFile) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("clear", err)
	}
	return nil
}

func (f *SealedFile) modify(fn func(*filePair)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.read()
	if err != nil {
		return err
	}
	fn(&p)
	if p == (filePair{}) {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return f.write(p)
}

func (f *SealedFile) read() (filePair, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return filePair{}, nil
	}
	if err != nil {
		return filePair{}, err
	}

	plain, err := f.seal.Open(f.passphrase, strings.TrimSpace(string(raw)))
	if err != nil {
		return filePair{}, fmt.Errorf("%s: %w", f.path, err)
	}

	var p filePair
	if err := json.Unmarshal(plain, &p); err != nil {
		return filePair{}, fmt.Errorf("%s: %w", f.path, err)
	}
	return p, nil
}

func (f *SealedFile) write(p filePair) error {
	plain, err := json.Marshal(p)
	if err != nil {
		return err
	}
	sealed, err := f.seal.Seal(f.passphrase, plain)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(sealed + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
