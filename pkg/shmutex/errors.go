package shmutex

import "errors"

var (
	ErrNilAction  = errors.New("shmutex: nil action")
	ErrNilPending = errors.New("shmutex: nil pending computation")
)
