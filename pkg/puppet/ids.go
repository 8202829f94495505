// Copyright 2025-2026 Aiku AI

package puppet

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Identity mapping between third-party ids and Matrix identifiers. Both
// directions are exact inverses for ids that contain no namespace-reserved
// characters (the localpart separator ":" in particular).

// GhostUserID creates the Matrix user id of the ghost representing a
// third-party user, e.g. @slack_U123:example.com.
func (br *Bridge) GhostUserID(thirdPartyUserID string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s_%s:%s", br.network.ServicePrefix(), thirdPartyUserID, br.cfg.Homeserver.Domain))
}

// ParseGhostUserID extracts the third-party user id from a ghost Matrix id.
// Returns false if the id does not belong to this bridge instance (wrong
// prefix or wrong homeserver).
func (br *Bridge) ParseGhostUserID(userID id.UserID) (string, bool) {
	localpart, ok := strings.CutSuffix(string(userID), ":"+br.cfg.Homeserver.Domain)
	if !ok {
		return "", false
	}
	rest, ok := strings.CutPrefix(localpart, "@"+br.network.ServicePrefix()+"_")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// RoomAliasLocalpart creates the alias localpart for a third-party room.
func (br *Bridge) RoomAliasLocalpart(thirdPartyRoomID string) string {
	return br.network.ServicePrefix() + "_" + thirdPartyRoomID
}

// RoomAlias creates the full room alias for a third-party room,
// e.g. #slack_C123:example.com.
func (br *Bridge) RoomAlias(thirdPartyRoomID string) id.RoomAlias {
	return id.RoomAlias(fmt.Sprintf("#%s:%s", br.RoomAliasLocalpart(thirdPartyRoomID), br.cfg.Homeserver.Domain))
}

// ParseRoomAlias extracts the third-party room id from a room alias.
// Returns false for aliases that are not managed by this bridge instance.
func (br *Bridge) ParseRoomAlias(alias id.RoomAlias) (string, bool) {
	localpart, ok := strings.CutSuffix(string(alias), ":"+br.cfg.Homeserver.Domain)
	if !ok {
		return "", false
	}
	rest, ok := strings.CutPrefix(localpart, "#"+br.network.ServicePrefix()+"_")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// ThirdPartyRoomID resolves the third-party room id for a Matrix room by
// scanning the aliases bound to it. The alias enumeration order is
// transport-defined; if several aliases match this bridge's pattern,
// whichever the transport lists first wins and must not be assumed
// authoritative. Returns an error wrapping ErrMissingRoomMapping when no
// alias matches.
func (br *Bridge) ThirdPartyRoomID(ctx context.Context, roomID id.RoomID) (string, error) {
	aliases, err := br.transport.RoomAliases(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to list aliases for %s: %w", roomID, err)
	}
	for _, alias := range aliases {
		if thirdPartyRoomID, ok := br.ParseRoomAlias(alias); ok {
			return thirdPartyRoomID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingRoomMapping, roomID)
}
