// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
)

// Intent performs Matrix operations as one identity. Memberships are cached
// so a ghost only joins each room once per process lifetime.
type Intent struct {
	api *mautrix.Client
	log zerolog.Logger

	// inviter is the bridge bot client, used to invite this identity into
	// invite-only rooms before retrying a forbidden join. nil for the
	// bot's own intent, which is always the room creator.
	inviter *mautrix.Client

	joinedLock sync.Mutex
	joined     map[id.RoomID]bool
}

var _ puppet.Intent = (*Intent)(nil)

func newIntent(api, inviter *mautrix.Client, log zerolog.Logger) *Intent {
	return &Intent{
		api:     api,
		inviter: inviter,
		log:     log,
		joined:  make(map[id.RoomID]bool),
	}
}

func (i *Intent) UserID() id.UserID { return i.api.UserID }

// EnsureJoined joins the room, inviting this identity through the bot first
// if the room's join rule rejects the direct join. Portal rooms are created
// invite-only, so a ghost's first join always takes the invite path.
func (i *Intent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	i.joinedLock.Lock()
	alreadyJoined := i.joined[roomID]
	i.joinedLock.Unlock()
	if alreadyJoined {
		return nil
	}
	_, err := i.api.JoinRoomByID(ctx, roomID)
	if err != nil && i.inviter != nil && errors.Is(err, mautrix.MForbidden) {
		if _, invErr := i.inviter.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{
			UserID: i.api.UserID,
		}); invErr != nil {
			return fmt.Errorf("failed to invite %s to %s: %w", i.api.UserID, roomID, invErr)
		}
		_, err = i.api.JoinRoomByID(ctx, roomID)
	}
	if err != nil {
		return err
	}
	i.joinedLock.Lock()
	i.joined[roomID] = true
	i.joinedLock.Unlock()
	return nil
}

func (i *Intent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.api.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *Intent) UploadMedia(ctx context.Context, data []byte, fileName, mimeType string) (id.ContentURIString, error) {
	resp, err := i.api.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (i *Intent) SetDisplayName(ctx context.Context, name string) error {
	return i.api.SetDisplayName(ctx, name)
}

func (i *Intent) AvatarURL(ctx context.Context) (id.ContentURIString, error) {
	profile, err := i.api.GetProfile(ctx, i.api.UserID)
	if err != nil {
		// A ghost that has never set any profile data has no profile
		// to fetch; that is an empty avatar, not a failure.
		if errors.Is(err, mautrix.MNotFound) {
			return "", nil
		}
		return "", err
	}
	if profile.AvatarURL.IsEmpty() {
		return "", nil
	}
	return profile.AvatarURL.CUString(), nil
}

func (i *Intent) SetAvatarURL(ctx context.Context, uri id.ContentURIString) error {
	parsed, err := uri.Parse()
	if err != nil {
		return err
	}
	return i.api.SetAvatarURL(ctx, parsed)
}
