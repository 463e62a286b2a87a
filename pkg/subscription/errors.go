package subscription

import "errors"

var (
	// ErrRecordNotFound is returned when no record matches a lookup
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrIdentityUnresolved is returned when a subscriber id maps to no local user
	// and is not shaped like a local user id
	ErrIdentityUnresolved = errors.New("subscriber identity unresolved")

	// ErrUnknownUser is returned by a Store when the record's user id does not
	// reference an existing user (foreign key violation)
	ErrUnknownUser = errors.New("user does not exist")

	// ErrIdentityMismatch is returned when a subscriber id is already bound to another user
	ErrIdentityMismatch = errors.New("subscriber id belongs to another user")

	// ErrStaleEvent is returned when a write is older than the stored record
	ErrStaleEvent = errors.New("event older than stored record")

	// ErrInvalidRecord is returned for records missing their keys
	ErrInvalidRecord = errors.New("invalid subscription record")
)
