package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envOverlay applies ENTITYAUTH_* variables on top of file settings. Unset or
// blank variables leave the current value alone; malformed ones are collected
// and reported together by err.
type envOverlay struct {
	lookup func(string) (string, bool)
	errs   []error
}

func newEnvOverlay() *envOverlay { return &envOverlay{lookup: os.LookupEnv} }

func (o *envOverlay) get(key string) (string, bool) {
	v, ok := o.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (o *envOverlay) fail(key, raw string, err error) {
	o.errs = append(o.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, raw, err))
}

func (o *envOverlay) err() error { return errors.Join(o.errs...) }

func overlayString[T ~string](o *envOverlay, key string, dst *T) {
	if v, ok := o.get(key); ok {
		*dst = T(v)
	}
}

func (o *envOverlay) boolean(key string, dst *bool) {
	v, ok := o.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.fail(key, v, errors.New("want true or false"))
		return
	}
	*dst = b
}

func (o *envOverlay) count(key string, dst *int32) {
	v, ok := o.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		o.fail(key, v, errors.New("want a non-negative integer"))
		return
	}
	*dst = int32(n)
}

func (o *envOverlay) duration(key string, dst *time.Duration) {
	v, ok := o.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.fail(key, v, err)
		return
	}
	if d <= 0 {
		o.fail(key, v, errors.New("must be positive"))
		return
	}
	*dst = d
}
