package domain

import "errors"

var (
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrNotJoined     = errors.New("connection has not joined a room")
	ErrUserIDTaken   = errors.New("user id already present in room")
	ErrNoSuchMember  = errors.New("no such member in room")
	ErrSessionExists = errors.New("peer session already exists")
	ErrSessionClosed = errors.New("peer session closed")
	ErrMediaFailed   = errors.New("local media acquisition failed")
)
