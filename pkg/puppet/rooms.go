// Copyright 2025-2026 Aiku AI

package puppet

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// maxRoomResolveAttempts bounds the stale-room recovery loop. The original
// protocol retried without limit; three attempts is enough to survive one
// orphaned room plus one creation race.
const maxRoomResolveAttempts = 3

// ResolveRoom returns the Matrix room for a third-party conversation,
// provisioning it on first reference: alias lookup, create-with-alias on a
// miss, then join as the bridge's own identity. Resolution is idempotent
// but not exactly-once; concurrent first references may both attempt
// creation and the homeserver's alias uniqueness constraint decides.
func (br *Bridge) ResolveRoom(ctx context.Context, thirdPartyRoomID string) (id.RoomID, error) {
	return br.resolveAliasRoom(ctx, br.RoomAlias(thirdPartyRoomID), br.RoomAliasLocalpart(thirdPartyRoomID), func() (RoomData, error) {
		return br.network.RoomData(ctx, thirdPartyRoomID)
	})
}

// resolveAliasRoom is the shared lookup/create/join machinery behind both
// per-conversation rooms and the status channel. roomData is only invoked
// when the room has to be created.
func (br *Bridge) resolveAliasRoom(ctx context.Context, alias id.RoomAlias, aliasLocalpart string, roomData func() (RoomData, error)) (id.RoomID, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRoomResolveAttempts; attempt++ {
		roomID, err := br.lookupOrCreateRoom(ctx, alias, aliasLocalpart, roomData)
		if err != nil {
			return "", err
		}

		err = br.transport.JoinRoom(ctx, roomID)
		switch {
		case err == nil:
			return roomID, nil
		case errors.Is(err, ErrRoomOrphaned):
			// The room cannot be rejoined once empty, so the alias
			// binding is dead weight. Unbind it and resolve again
			// to get a fresh room.
			br.log.Warn().
				Str("alias", string(alias)).
				Str("room_id", string(roomID)).
				Int("attempt", attempt).
				Msg("Room has no joinable servers, deleting alias and retrying")
			if delErr := br.transport.DeleteAlias(ctx, alias); delErr != nil {
				return "", fmt.Errorf("failed to delete stale alias %s: %w", alias, delErr)
			}
			lastErr = err
		default:
			// Join errors other than the orphaned-room case are
			// best-effort: the room exists and ghosts can still
			// post, so resolution succeeds.
			br.log.Warn().Err(err).
				Str("room_id", string(roomID)).
				Msg("Ignoring join error during room resolution")
			return roomID, nil
		}
	}
	return "", fmt.Errorf("resolution of %s exhausted %d attempts: %w", alias, maxRoomResolveAttempts, lastErr)
}

func (br *Bridge) lookupOrCreateRoom(ctx context.Context, alias id.RoomAlias, aliasLocalpart string, roomData func() (RoomData, error)) (id.RoomID, error) {
	roomID, err := br.transport.ResolveAlias(ctx, alias)
	if err == nil {
		br.log.Debug().
			Str("alias", string(alias)).
			Str("room_id", string(roomID)).
			Msg("Found existing room via alias")
		return roomID, nil
	}
	if !errors.Is(err, ErrAliasNotFound) {
		return "", fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}

	data, err := roomData()
	if err != nil {
		return "", fmt.Errorf("failed to fetch room data for %s: %w", alias, err)
	}
	roomID, err = br.transport.CreateRoom(ctx, aliasLocalpart, data.Name, data.Topic)
	if err != nil {
		return "", fmt.Errorf("failed to create room for %s: %w", alias, err)
	}
	br.log.Info().
		Str("alias", string(alias)).
		Str("room_id", string(roomID)).
		Str("name", data.Name).
		Msg("Created room")
	return roomID, nil
}
