package seal

import "errors"

var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrInvalidSealed   = errors.New("seal: invalid sealed payload")
	ErrDecrypt         = errors.New("seal: decryption failed")
)
