// Copyright 2025-2026 Aiku AI

package puppet

import (
	"context"
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// StatusOptions tunes SendStatusMessage.
type StatusOptions struct {
	// FixedWidthOutput wraps the message in a <pre><code> block.
	// Defaults to true when nil.
	FixedWidthOutput *bool
	// RoomAliasLocalpart overrides the status room alias localpart.
	RoomAliasLocalpart string
}

// SendStatusMessage posts an operational notice to the bridge's status
// room, provisioning the room on first use with the same lookup/create/join
// machinery as conversation rooms. The join and the send run strictly in
// that order: the send requires membership.
func (br *Bridge) SendStatusMessage(ctx context.Context, opts StatusOptions, args ...any) error {
	body := formatStatusArgs(args)

	localpart := opts.RoomAliasLocalpart
	if localpart == "" {
		localpart = br.network.ServicePrefix() + "_" + br.cfg.StatusRoomPostfix
	}
	alias := id.RoomAlias(fmt.Sprintf("#%s:%s", localpart, br.cfg.Homeserver.Domain))

	roomID, err := br.resolveAliasRoom(ctx, alias, localpart, func() (RoomData, error) {
		return RoomData{
			Name:  br.network.ServiceName() + " Protocol",
			Topic: br.network.ServiceName() + " Protocol Status Messages",
		}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve status room: %w", err)
	}

	bot := br.transport.Puppet()
	if err = bot.EnsureJoined(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join status room %s: %w", roomID, err)
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}
	if opts.FixedWidthOutput == nil || *opts.FixedWidthOutput {
		content.Format = event.FormatHTML
		content.FormattedBody = "<pre><code>" + html.EscapeString(body) + "</code></pre>"
	}
	if _, err = bot.SendMessage(ctx, roomID, content); err != nil {
		return fmt.Errorf("failed to send status message to %s: %w", roomID, err)
	}
	return nil
}

// formatStatusArgs joins the arguments into one line, rendering non-strings
// with their verbose representation.
func formatStatusArgs(args []any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok {
			parts[i] = s
		} else {
			parts[i] = fmt.Sprintf("%+v", arg)
		}
	}
	return strings.Join(parts, " ")
}
