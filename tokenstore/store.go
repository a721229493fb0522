// Package tokenstore persists access and refresh tokens.
//
// An empty string means "absent": saving "" deletes the value, loading a missing value returns "".
package tokenstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrStorage is the sentinel matched by every StorageError.
var ErrStorage = errors.New("token storage failure")

// Store is the persistence collaborator behind AuthState.
type Store interface {
	LoadAccessToken(ctx context.Context) (string, error)
	LoadRefreshToken(ctx context.Context) (string, error)
	SaveAccessToken(ctx context.Context, token string) error
	SaveRefreshToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// StorageError describes a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ErrStorage.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrStorage.Error(), e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrStorage.Error(), e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage so callers need not know the concrete type.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

const (
	keyAccess  = "access_token"
	keyRefresh = "refresh_token"
)

// namespaced builds the storage key for a token kind.
func namespaced(ns, kind string) string {
	if ns == "" {
		ns = "default"
	}
	return ns + ":" + kind
}
