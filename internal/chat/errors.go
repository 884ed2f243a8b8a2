package chat

import "errors"

var (
	// ErrValidation marks an inbound payload that is not a well-formed message.
	ErrValidation = errors.New("invalid message payload")

	// ErrPersistence marks a store failure while appending or reading messages.
	ErrPersistence = errors.New("message persistence failed")

	// ErrOriginRejected marks a request whose Origin is not allow-listed.
	ErrOriginRejected = errors.New("origin not allowed")

	// ErrHistoryFetch marks a failed history read served to a client.
	ErrHistoryFetch = errors.New("failed to fetch messages")

	// ErrRateLimited marks an inbound frame refused because its sender
	// exceeded the per-connection rate limit.
	ErrRateLimited = errors.New("message rate limit exceeded")

	ErrStoreClosed = errors.New("store closed")
)
