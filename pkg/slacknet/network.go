// Copyright 2025-2026 Aiku AI

// Package slacknet implements the Slack side of the bridge over the Slack
// RTM and Web APIs using a legacy user token, so messages post as the
// user's own Slack account.
package slacknet

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
)

// Config holds the Slack connection parameters.
type Config struct {
	// Token is a legacy user token (xoxp/xoxs). Bot tokens work too, but
	// messages then post as the bot instead of the user.
	Token string `yaml:"token"`
}

// Sink receives events observed on Slack. *puppet.Bridge satisfies it.
type Sink interface {
	HandleRemoteMessage(ctx context.Context, msg *puppet.Message) error
	HandleRemoteImage(ctx context.Context, msg *puppet.ImageMessage) error
	SendStatusMessage(ctx context.Context, opts puppet.StatusOptions, args ...any) error
}

// Network implements puppet.Network for Slack.
type Network struct {
	api *slack.Client
	rtm *slack.RTM
	log zerolog.Logger

	selfID string
}

var (
	_ puppet.Network         = (*Network)(nil)
	_ puppet.UserDataFetcher = (*Network)(nil)
)

// New builds a Network. Extra options are passed through to the Slack
// client; tests use slack.OptionAPIURL.
func New(cfg Config, log zerolog.Logger, opts ...slack.Option) (*Network, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slacknet: token is required")
	}
	return &Network{
		api: slack.New(cfg.Token, opts...),
		log: log.With().Str("component", "slack").Logger(),
	}, nil
}

func (n *Network) ServicePrefix() string { return "slack" }
func (n *Network) ServiceName() string   { return "Slack" }

// PuppetUserID is the Slack user id of the token's owner, known after
// Login.
func (n *Network) PuppetUserID() string { return n.selfID }

// Login verifies the token and learns the puppet's own Slack user id.
func (n *Network) Login(ctx context.Context) error {
	resp, err := n.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	n.selfID = resp.UserID
	n.log.Info().
		Str("user_id", resp.UserID).
		Str("team", resp.Team).
		Msg("Authenticated with Slack")
	return nil
}

// Start runs the RTM event loop until the context is cancelled, feeding
// message events into the sink. Reconnection is handled by the RTM client;
// connection state changes go to the status room.
func (n *Network) Start(ctx context.Context, sink Sink) error {
	n.rtm = n.api.NewRTM()
	go n.rtm.ManageConnection()
	defer func() {
		_ = n.rtm.Disconnect()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-n.rtm.IncomingEvents:
			if !ok {
				return fmt.Errorf("slack event channel closed")
			}
			switch data := evt.Data.(type) {
			case *slack.ConnectedEvent:
				n.selfID = data.Info.User.ID
				n.log.Info().
					Str("user_id", n.selfID).
					Int("connection_count", data.ConnectionCount).
					Msg("Connected to Slack RTM")
				if err := sink.SendStatusMessage(ctx, puppet.StatusOptions{}, "connected to Slack as", data.Info.User.Name); err != nil {
					n.log.Warn().Err(err).Msg("Failed to send connect status message")
				}
			case *slack.MessageEvent:
				n.handleMessage(ctx, sink, data)
			case *slack.RTMError:
				n.log.Error().Err(data).Msg("Slack RTM error")
				if err := sink.SendStatusMessage(ctx, puppet.StatusOptions{}, "Slack RTM error:", data.Error()); err != nil {
					n.log.Warn().Err(err).Msg("Failed to send error status message")
				}
			case *slack.InvalidAuthEvent:
				return fmt.Errorf("slack rejected the token")
			}
		}
	}
}

// relayedSubTypes are the message subtypes that carry user content. All
// others (joins, topic changes, edits, bot chatter) are dropped.
var relayedSubTypes = map[string]bool{
	"":           true,
	"file_share": true,
	"me_message": true,
}

func (n *Network) handleMessage(ctx context.Context, sink Sink, evt *slack.MessageEvent) {
	if !relayedSubTypes[evt.SubType] {
		n.log.Debug().
			Str("subtype", evt.SubType).
			Str("channel", evt.Channel).
			Msg("Ignoring message subtype")
		return
	}

	senderID := evt.User
	if senderID == n.selfID {
		senderID = ""
	}

	relayedImage := false
	for _, file := range evt.Files {
		if !strings.HasPrefix(file.Mimetype, "image/") {
			continue
		}
		relayedImage = true
		err := sink.HandleRemoteImage(ctx, &puppet.ImageMessage{
			Message: puppet.Message{
				RoomID:   evt.Channel,
				SenderID: senderID,
				Text:     file.Name,
			},
			URL:      file.URLPrivate,
			MimeType: file.Mimetype,
			Width:    file.OriginalW,
			Height:   file.OriginalH,
		})
		if err != nil {
			n.log.Error().Err(err).
				Str("channel", evt.Channel).
				Str("file", file.ID).
				Msg("Failed to relay Slack image")
		}
	}

	if evt.Text == "" {
		if !relayedImage {
			n.log.Debug().
				Str("channel", evt.Channel).
				Msg("Ignoring empty message")
		}
		return
	}
	err := sink.HandleRemoteMessage(ctx, &puppet.Message{
		RoomID:   evt.Channel,
		SenderID: senderID,
		Text:     evt.Text,
	})
	if err != nil {
		n.log.Error().Err(err).
			Str("channel", evt.Channel).
			Msg("Failed to relay Slack message")
	}
}

func (n *Network) RoomData(ctx context.Context, thirdPartyRoomID string) (puppet.RoomData, error) {
	channel, err := n.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: thirdPartyRoomID,
	})
	if err != nil {
		return puppet.RoomData{}, fmt.Errorf("failed to look up conversation %s: %w", thirdPartyRoomID, err)
	}
	name := channel.Name
	if name == "" {
		// DMs have no channel name.
		name = thirdPartyRoomID
	}
	return puppet.RoomData{
		Name:  name,
		Topic: channel.Topic.Value,
	}, nil
}

func (n *Network) UserData(ctx context.Context, thirdPartyUserID string) (puppet.UserData, error) {
	user, err := n.api.GetUserInfoContext(ctx, thirdPartyUserID)
	if err != nil {
		return puppet.UserData{}, fmt.Errorf("failed to look up user %s: %w", thirdPartyUserID, err)
	}
	name := user.Profile.RealName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	return puppet.UserData{
		SenderName: name,
		AvatarURL:  user.Profile.Image192,
	}, nil
}

func (n *Network) SendText(ctx context.Context, thirdPartyRoomID, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, thirdPartyRoomID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", thirdPartyRoomID, err)
	}
	return nil
}

// SendImage posts the image as an attachment referencing the public Matrix
// download URL, so Slack unfurls it without the bridge re-hosting anything.
func (n *Network) SendImage(ctx context.Context, thirdPartyRoomID string, img puppet.OutgoingImage) error {
	_, _, err := n.api.PostMessageContext(ctx, thirdPartyRoomID,
		slack.MsgOptionText(img.Text, false),
		slack.MsgOptionAsUser(true),
		slack.MsgOptionAttachments(slack.Attachment{
			Text:     img.Text,
			ImageURL: img.URL,
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to post image to %s: %w", thirdPartyRoomID, err)
	}
	return nil
}
