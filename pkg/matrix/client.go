// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix implements the homeserver side of the bridge on top of the
// mautrix client library: alias and room management as the bridge's own
// account, per-ghost intents via appservice impersonation, and the /sync
// loop feeding Matrix events into the engine.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
)

// Config holds the Matrix connection parameters.
type Config struct {
	// HomeserverURL is the client-server API base URL.
	HomeserverURL string `yaml:"homeserver_url"`
	// UserID is the bridge's own Matrix account.
	UserID id.UserID `yaml:"user_id"`
	// AccessToken authenticates the bridge account. With an appservice
	// registration this is the as_token and ghosts are impersonated
	// through the user_id query parameter.
	AccessToken string `yaml:"access_token"`

	// OwnerUserID, when set, is invited to every room the bridge creates,
	// so the human the bridge serves can read the relayed conversations.
	OwnerUserID id.UserID `yaml:"owner_user_id"`

	// RelayOwnMessages also relays events sent by the bridge account
	// itself. Enable when the bridge runs on the user's own access token
	// instead of a dedicated bot; the deduplication tag still breaks echo
	// loops.
	RelayOwnMessages bool `yaml:"relay_own_messages"`
}

// Client implements puppet.Transport over a mautrix client.
type Client struct {
	cfg Config
	api *mautrix.Client
	log zerolog.Logger

	bot *Intent

	ghostsLock sync.Mutex
	ghosts     map[id.UserID]*Intent
}

var _ puppet.Transport = (*Client)(nil)

// NewClient connects the bridge account. No requests are made until the
// first operation.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver_url is required")
	}
	if cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: user_id and access_token are required")
	}
	api, err := mautrix.NewClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	api.Log = log
	c := &Client{
		cfg:    cfg,
		api:    api,
		log:    log,
		ghosts: make(map[id.UserID]*Intent),
	}
	c.bot = newIntent(api, nil, log)
	return c, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.api.ResolveAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", fmt.Errorf("%w: %s", puppet.ErrAliasNotFound, alias)
		}
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) CreateRoom(ctx context.Context, aliasLocalpart, name, topic string) (id.RoomID, error) {
	var invite []id.UserID
	if c.cfg.OwnerUserID != "" {
		invite = append(invite, c.cfg.OwnerUserID)
	}
	resp, err := c.api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		RoomAliasName: aliasLocalpart,
		Name:          name,
		Topic:         topic,
		Visibility:    "private",
		Preset:        "trusted_private_chat",
		Invite:        invite,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := c.api.DeleteAlias(ctx, alias)
	return err
}

func (c *Client) RoomAliases(ctx context.Context, roomID id.RoomID) ([]id.RoomAlias, error) {
	resp, err := c.api.GetAliases(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return resp.Aliases, nil
}

// JoinRoom joins as the bridge account. Synapse reports a room whose last
// member left as M_UNKNOWN with a "No known servers" message; that is the
// orphaned-room signal the resolution loop recovers from.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.api.JoinRoomByID(ctx, roomID)
	if err != nil && isNoKnownServers(err) {
		return fmt.Errorf("%w: %s: %v", puppet.ErrRoomOrphaned, roomID, err)
	}
	return err
}

func isNoKnownServers(err error) bool {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.RespError == nil {
		return false
	}
	return strings.Contains(httpErr.RespError.Err, "No known servers")
}

func (c *Client) DownloadURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil {
		return string(uri)
	}
	return c.api.GetDownloadURL(parsed)
}

func (c *Client) Puppet() puppet.Intent { return c.bot }

// Ghost returns the intent for a ghost user. Ghost clients share the bridge
// access token and impersonate through the appservice user_id parameter, so
// construction never fails and is cached per ghost.
func (c *Client) Ghost(userID id.UserID) puppet.Intent {
	c.ghostsLock.Lock()
	defer c.ghostsLock.Unlock()
	if intent, ok := c.ghosts[userID]; ok {
		return intent
	}
	api, err := mautrix.NewClient(c.cfg.HomeserverURL, userID, c.cfg.AccessToken)
	if err != nil {
		// NewClient only fails on an unparseable homeserver URL, which
		// the bot client construction already validated.
		panic(fmt.Errorf("matrix: ghost client for %s: %w", userID, err))
	}
	api.SetAppServiceUserID = true
	api.Log = c.log.With().Str("ghost", string(userID)).Logger()
	intent := newIntent(api, c.api, api.Log)
	c.ghosts[userID] = intent
	return intent
}

// EventHandler consumes Matrix message events observed by the sync loop.
type EventHandler func(ctx context.Context, evt *event.Event)

// Listen runs the /sync loop until the context is cancelled, invoking the
// handler for every message event that is not bridge-originated. Events from
// before the listener started are dropped so restarts do not replay history.
func (c *Client) Listen(ctx context.Context, isBridgeUser func(id.UserID) bool, handler EventHandler) error {
	startTime := time.Now().UnixMilli()
	syncer, ok := c.api.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", c.api.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if !c.shouldHandle(evt, startTime, isBridgeUser) {
			return
		}
		handler(ctx, evt)
	})
	c.log.Info().Msg("Starting Matrix sync loop")
	err := c.api.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync loop failed: %w", err)
	}
	return nil
}

// shouldHandle decides whether a synced event reaches the handler. Events
// from before startup, from ghosts, and (unless RelayOwnMessages is set)
// from the bridge account itself are dropped. Tagged self-messages are
// still filtered later by the relay, so enabling RelayOwnMessages cannot
// reintroduce echo loops.
func (c *Client) shouldHandle(evt *event.Event, startTime int64, isBridgeUser func(id.UserID) bool) bool {
	if evt.Timestamp < startTime {
		return false
	}
	if evt.Sender == c.cfg.UserID && !c.cfg.RelayOwnMessages {
		return false
	}
	if isBridgeUser != nil && isBridgeUser(evt.Sender) {
		return false
	}
	return true
}
