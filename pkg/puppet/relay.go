// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package puppet

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// HandleRemoteMessage relays a text message observed on the third-party
// network into its Matrix room, provisioning the room and the acting
// identity as needed.
func (br *Bridge) HandleRemoteMessage(ctx context.Context, msg *Message) error {
	roomID, err := br.ResolveRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	intent, err := br.actingIntent(ctx, roomID, msg.SenderID, msg.SenderName, msg.AvatarURL, false)
	if err != nil {
		return err
	}

	body := msg.Text
	if msg.SenderID == "" {
		// A self-originated message either came from a Matrix client
		// (in which case it carries our tag and is already visible on
		// Matrix) or from a third-party client (in which case it must
		// be replayed, tagged, so other room members see it).
		if br.IsTagged(body) {
			br.log.Debug().
				Str("third_party_room_id", msg.RoomID).
				Msg("Ignoring tagged self-message, it originated on Matrix")
			return nil
		}
		body = br.Tag(body)
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}
	if msg.HTML != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.HTML
	}
	if _, err = intent.SendMessage(ctx, roomID, content); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return nil
}

// HandleRemoteImage relays an image observed on the third-party network.
// The binary is downloaded and re-uploaded to the Matrix content store; if
// the upload fails the event degrades to a plain text message carrying the
// original URL instead of being dropped.
func (br *Bridge) HandleRemoteImage(ctx context.Context, msg *ImageMessage) error {
	roomID, err := br.ResolveRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	intent, err := br.actingIntent(ctx, roomID, msg.SenderID, msg.SenderName, msg.AvatarURL, false)
	if err != nil {
		return err
	}

	uri, size, uploadErr := br.reuploadImage(ctx, intent, msg)
	if uploadErr != nil {
		br.log.Warn().Err(uploadErr).
			Str("url", msg.URL).
			Msg("Image upload failed, degrading to text message with URL")
		body := msg.URL
		if msg.SenderID == "" {
			body = br.Tag(body)
		}
		if _, err = intent.SendMessage(ctx, roomID, &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}); err != nil {
			return fmt.Errorf("failed to send image fallback to %s: %w", roomID, err)
		}
		return nil
	}

	body := msg.Text
	if msg.SenderID == "" {
		body = br.Tag(body)
	}
	if _, err = intent.SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    body,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: msg.MimeType,
			Width:    msg.Width,
			Height:   msg.Height,
			Size:     size,
		},
	}); err != nil {
		return fmt.Errorf("failed to send image to %s: %w", roomID, err)
	}
	return nil
}

func (br *Bridge) reuploadImage(ctx context.Context, intent Intent, msg *ImageMessage) (id.ContentURIString, int, error) {
	if br.fetcher == nil {
		return "", 0, fmt.Errorf("no content fetcher configured")
	}
	content, err := br.fetcher.Fetch(ctx, msg.URL)
	if err != nil {
		return "", 0, fmt.Errorf("download: %w", err)
	}
	mimeType := msg.MimeType
	if mimeType == "" {
		mimeType = content.ContentType
	}
	uri, err := intent.UploadMedia(ctx, content.Data, msg.Text, mimeType)
	if err != nil {
		return "", 0, fmt.Errorf("upload: %w", err)
	}
	return uri, len(content.Data), nil
}

// actingIntent resolves the Matrix identity that a relayed message is sent
// as. Self-originated messages use the bridge's own puppet with no join or
// profile side effects. Everything else gets a ghost: joined to the room,
// display name and avatar applied best-effort.
//
// A missing sender name is resolved through the remote user cache at most
// once; if it is still missing on the retried pass the event fails with
// ErrIdentityResolution instead of looping.
func (br *Bridge) actingIntent(ctx context.Context, roomID id.RoomID, senderID, senderName, avatarURL string, retried bool) (Intent, error) {
	if senderID == "" {
		return br.transport.Puppet(), nil
	}

	if senderName == "" && !br.cfg.AllowNullSenderName {
		if retried {
			return nil, fmt.Errorf("%w: sender name still missing for %s after store resolution", ErrIdentityResolution, senderID)
		}
		record, err := br.ResolveRemoteUser(ctx, senderID)
		if err != nil {
			return nil, err
		}
		return br.actingIntent(ctx, roomID, senderID, record.SenderName, avatarURL, true)
	}

	ghost := br.transport.Ghost(br.GhostUserID(senderID))
	if err := ghost.EnsureJoined(ctx, roomID); err != nil {
		return nil, fmt.Errorf("ghost %s failed to join %s: %w", ghost.UserID(), roomID, err)
	}
	if senderName != "" {
		displayname := br.cfg.FormatDisplayname(DisplaynameParams{SenderName: senderName, UserID: senderID})
		if err := ghost.SetDisplayName(ctx, displayname); err != nil {
			br.log.Warn().Err(err).
				Str("ghost", string(ghost.UserID())).
				Msg("Failed to set ghost display name")
		}
	}
	if avatarURL != "" {
		if err := br.EnsureGhostAvatar(ctx, ghost, avatarURL); err != nil {
			br.log.Warn().Err(err).
				Str("ghost", string(ghost.UserID())).
				Msg("Failed to provision ghost avatar")
		}
	}
	return ghost, nil
}
