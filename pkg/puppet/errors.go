// Copyright 2025-2026 Aiku AI

package puppet

import "errors"

// Error taxonomy of the relay engine. Transports and stores wrap the first
// two where applicable; everything else is produced by the engine itself.
// Callers classify with errors.Is.
var (
	// ErrAliasNotFound means an alias lookup came back empty. The room
	// resolver reacts by creating the room; everyone else propagates it.
	ErrAliasNotFound = errors.New("room alias is not bound")

	// ErrRoomOrphaned is the recoverable join failure: the room has no
	// joinable servers left. The room resolver deletes the alias binding
	// and retries; after the retry budget it is returned wrapped.
	ErrRoomOrphaned = errors.New("room has no joinable servers")

	// ErrMetadataFetch means third-party user metadata could not be
	// fetched or persisted. Fatal for the event being relayed.
	ErrMetadataFetch = errors.New("failed to fetch remote user metadata")

	// ErrIdentityResolution is raised when the sender name is still
	// missing after the single allowed store-backed retry.
	ErrIdentityResolution = errors.New("could not resolve sender identity")

	// ErrMissingRoomMapping means a Matrix room has no alias matching this
	// bridge, so the event cannot be attributed to a conversation.
	ErrMissingRoomMapping = errors.New("no third-party room mapping for room")

	// ErrAvatarProvisioning covers avatar fetch/upload/set failures.
	// Logged and swallowed at relay call sites, never blocks delivery.
	ErrAvatarProvisioning = errors.New("failed to provision avatar")
)
