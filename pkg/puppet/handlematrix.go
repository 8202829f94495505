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

// HandleMatrixEvent processes an event observed on the Matrix side and
// forwards it to the third-party network. Unknown event types are ignored
// with a warning; they are not errors.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt.Type != event.EventMessage {
		br.log.Warn().
			Str("event_type", evt.Type.Type).
			Str("room_id", string(evt.RoomID)).
			Msg("Ignoring non-message Matrix event")
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		br.log.Warn().
			Str("room_id", string(evt.RoomID)).
			Msg("Ignoring message event with unparseable content")
		return nil
	}
	return br.handleMatrixMessage(ctx, evt.RoomID, content)
}

func (br *Bridge) handleMatrixMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	if br.IsTagged(content.Body) {
		br.log.Debug().
			Str("room_id", string(roomID)).
			Msg("Ignoring tagged message, it was sent by the bridge")
		return nil
	}

	thirdPartyRoomID, err := br.ThirdPartyRoomID(ctx, roomID)
	if err != nil {
		return err
	}
	if thirdPartyRoomID == br.cfg.StatusRoomPostfix {
		br.log.Debug().
			Str("room_id", string(roomID)).
			Msg("Ignoring message to the status room")
		return nil
	}

	switch content.MsgType {
	case event.MsgText:
		text := content.Body
		if content.Format == event.FormatHTML && content.FormattedBody != "" {
			if converted, convErr := br.htmlConv.ConvertString(content.FormattedBody); convErr == nil {
				text = converted
			} else {
				br.log.Warn().Err(convErr).
					Str("room_id", string(roomID)).
					Msg("Failed to convert formatted body, sending plain body")
			}
		}
		if err = br.network.SendText(ctx, thirdPartyRoomID, br.Tag(text)); err != nil {
			return fmt.Errorf("failed to send text to third-party room %s: %w", thirdPartyRoomID, err)
		}
		return nil

	case event.MsgImage:
		img := OutgoingImage{
			URL:  br.transport.DownloadURL(content.URL),
			Text: br.Tag(content.Body),
		}
		if content.Info != nil {
			img.MimeType = content.Info.MimeType
			img.Width = content.Info.Width
			img.Height = content.Info.Height
			img.Size = content.Info.Size
		}
		if err = br.network.SendImage(ctx, thirdPartyRoomID, img); err != nil {
			return fmt.Errorf("failed to send image to third-party room %s: %w", thirdPartyRoomID, err)
		}
		return nil

	default:
		br.log.Warn().
			Str("msgtype", string(content.MsgType)).
			Str("room_id", string(roomID)).
			Msg("Ignoring unsupported message type")
		return nil
	}
}
