// Package db defines storage-level contracts shared between the persistence
// implementation and the engines that consume it.
package db

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoMembership is returned when a split targets a message that does
	// not currently belong to any group.
	ErrNoMembership = errors.New("message has no current membership")

	// ErrGroupNotFound is returned when a correction references a group that
	// does not exist or was deleted concurrently.
	ErrGroupNotFound = errors.New("group not found")

	// ErrSameGroup is returned when a merge names the same group as source
	// and target.
	ErrSameGroup = errors.New("source and target group are identical")

	// ErrDuplicateMessage is returned when an inbound message's external id
	// was already ingested.
	ErrDuplicateMessage = errors.New("message already ingested")
)
