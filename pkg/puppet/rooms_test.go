// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package puppet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestResolveRoomCreatesOnFirstReference(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	roomID, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if roomID == "" {
		t.Fatal("ResolveRoom returned empty room id")
	}
	if tb.transport.createCalls != 1 {
		t.Errorf("createCalls: got %d, want 1", tb.transport.createCalls)
	}
	if len(tb.transport.joinCalls) != 1 || tb.transport.joinCalls[0] != roomID {
		t.Errorf("joinCalls: got %v, want [%s]", tb.transport.joinCalls, roomID)
	}
	if tb.network.roomDataCalls != 1 {
		t.Errorf("roomDataCalls: got %d, want 1", tb.network.roomDataCalls)
	}
}

func TestResolveRoomIdempotent(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	first, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("first ResolveRoom: %v", err)
	}
	second, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("second ResolveRoom: %v", err)
	}
	if first != second {
		t.Errorf("room ids differ: %s vs %s", first, second)
	}
	if tb.transport.createCalls != 1 {
		t.Errorf("createCalls: got %d, want 1", tb.transport.createCalls)
	}
	if tb.network.roomDataCalls != 1 {
		t.Errorf("roomDataCalls after second resolve: got %d, want 1", tb.network.roomDataCalls)
	}
}

func TestResolveRoomExistingAlias(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	existing := id.RoomID("!preexisting:" + testDomain)
	tb.transport.bindAlias(tb.bridge.RoomAlias("C123"), existing)

	roomID, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if roomID != existing {
		t.Errorf("room id: got %s, want %s", roomID, existing)
	}
	if tb.transport.createCalls != 0 {
		t.Errorf("createCalls: got %d, want 0", tb.transport.createCalls)
	}
}

func TestResolveRoomOrphanedRecovery(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	stale := id.RoomID("!dead:" + testDomain)
	tb.transport.bindAlias(tb.bridge.RoomAlias("C123"), stale)
	tb.transport.joinErr = func(roomID id.RoomID) error {
		if roomID == stale {
			return fmt.Errorf("%w: %s", ErrRoomOrphaned, roomID)
		}
		return nil
	}

	roomID, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if roomID == stale {
		t.Error("resolution returned the orphaned room")
	}
	if len(tb.transport.deleteCalls) != 1 {
		t.Errorf("deleteCalls: got %d, want 1", len(tb.transport.deleteCalls))
	}
	if tb.transport.createCalls != 1 {
		t.Errorf("createCalls: got %d, want 1", tb.transport.createCalls)
	}
}

func TestResolveRoomOrphanedExhaustsAttempts(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	tb.transport.joinErr = func(roomID id.RoomID) error {
		return fmt.Errorf("%w: %s", ErrRoomOrphaned, roomID)
	}

	_, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err == nil {
		t.Fatal("expected error when every join reports an orphaned room")
	}
	if !errors.Is(err, ErrRoomOrphaned) {
		t.Errorf("error does not wrap ErrRoomOrphaned: %v", err)
	}
	if len(tb.transport.joinCalls) != maxRoomResolveAttempts {
		t.Errorf("joinCalls: got %d, want %d", len(tb.transport.joinCalls), maxRoomResolveAttempts)
	}
	if len(tb.transport.deleteCalls) != maxRoomResolveAttempts {
		t.Errorf("deleteCalls: got %d, want %d", len(tb.transport.deleteCalls), maxRoomResolveAttempts)
	}
}

func TestResolveRoomIgnoresOtherJoinErrors(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	tb.transport.joinErr = func(id.RoomID) error {
		return errors.New("M_FORBIDDEN: already in the room")
	}

	roomID, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if roomID == "" {
		t.Error("expected room id despite join error")
	}
	if len(tb.transport.deleteCalls) != 0 {
		t.Errorf("deleteCalls: got %d, want 0", len(tb.transport.deleteCalls))
	}
}

func TestResolveRoomRoomDataFailure(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()

	tb.network.roomDataErr = errors.New("conversation lookup failed")

	_, err := tb.bridge.ResolveRoom(ctx, "C123")
	if err == nil {
		t.Fatal("expected error when room data fetch fails")
	}
	if tb.transport.createCalls != 0 {
		t.Errorf("createCalls: got %d, want 0", tb.transport.createCalls)
	}
}
