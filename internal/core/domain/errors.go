package domain

import "errors"

// ErrNoHealthyBackend is returned by a Selector when every backend in the
// pool is unhealthy and the self-heal path is disabled.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// ErrEmptyPool is returned by a Selector against a zero-length pool.
var ErrEmptyPool = errors.New("backend pool is empty")
