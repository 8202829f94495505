// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package puppet implements the core engine of a Matrix puppeting bridge:
// deterministic id mapping between a third-party chat network and Matrix,
// lazy provisioning of portal rooms and ghost users, echo-loop tagging, and
// bidirectional text/image message relay.
//
// The engine talks to its surroundings through small collaborator contracts
// (Transport, Intent, UserStore, ContentFetcher) and a Network implementation
// supplied by the concrete bridge.
package puppet

import (
	"context"
	"fmt"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intent performs Matrix operations as a specific identity: the bridge's own
// puppet account or a provisioned ghost user.
type Intent interface {
	UserID() id.UserID
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, fileName, mimeType string) (id.ContentURIString, error)
	SetDisplayName(ctx context.Context, name string) error
	AvatarURL(ctx context.Context) (id.ContentURIString, error)
	SetAvatarURL(ctx context.Context, uri id.ContentURIString) error
}

// Transport is the Matrix side of the bridge. Room-level operations run as
// the bridge's own identity; per-identity operations go through Intents.
type Transport interface {
	// ResolveAlias returns the room currently bound to the alias, or an
	// error wrapping ErrAliasNotFound when the alias does not resolve.
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	CreateRoom(ctx context.Context, aliasLocalpart, name, topic string) (id.RoomID, error)
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	RoomAliases(ctx context.Context, roomID id.RoomID) ([]id.RoomAlias, error)
	// JoinRoom joins as the bridge's own identity. A permanently orphaned
	// room is reported as an error wrapping ErrRoomOrphaned.
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	// DownloadURL converts an mxc URI into an HTTP URL reachable by the
	// third-party network.
	DownloadURL(uri id.ContentURIString) string
	Puppet() Intent
	Ghost(userID id.UserID) Intent
}

// RemoteUserRecord is the persisted metadata for a third-party user. It is
// created on first resolution and never deleted by the engine.
type RemoteUserRecord struct {
	UserID     string
	SenderName string
}

// UserStore persists RemoteUserRecords. Get returns (nil, nil) on a miss.
type UserStore interface {
	GetRemoteUser(ctx context.Context, thirdPartyUserID string) (*RemoteUserRecord, error)
	SetRemoteUser(ctx context.Context, record *RemoteUserRecord) error
}

// FetchedContent is a downloaded binary plus its sniffed or declared type.
type FetchedContent struct {
	Data        []byte
	ContentType string
}

// ContentFetcher downloads public-web content (avatars, relayed images).
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedContent, error)
}

// RoomData is descriptive data for a third-party conversation.
type RoomData struct {
	Name  string
	Topic string
}

// UserData is metadata for a third-party user fetched from the network.
type UserData struct {
	SenderName string
	AvatarURL  string
}

// OutgoingImage is an image relayed from Matrix to the third-party network.
type OutgoingImage struct {
	URL      string
	Text     string
	MimeType string
	Width    int
	Height   int
	Size     int
}

// Network is the contract a concrete bridge must implement for its
// third-party protocol. Everything here is required; making it an interface
// turns the original runtime "override me" checks into compile-time ones.
type Network interface {
	// ServicePrefix is the short string put before ghost localparts and
	// room alias localparts, e.g. "slack" for @slack_bob:example.com.
	ServicePrefix() string
	// ServiceName is the friendly protocol name, e.g. "Slack".
	ServiceName() string
	// PuppetUserID is the bridge's own user id from the third party's
	// perspective, used to recognize self-originated messages.
	PuppetUserID() string
	RoomData(ctx context.Context, thirdPartyRoomID string) (RoomData, error)
	SendText(ctx context.Context, thirdPartyRoomID, text string) error
	SendImage(ctx context.Context, thirdPartyRoomID string, img OutgoingImage) error
}

// UserDataFetcher is an optional Network capability. Without it, messages
// that arrive with no sender name cannot be resolved and are rejected.
type UserDataFetcher interface {
	UserData(ctx context.Context, thirdPartyUserID string) (UserData, error)
}

// Message is a text message observed on the third-party network. An empty
// SenderID means the message was sent by the bridge's own account there.
type Message struct {
	RoomID     string
	SenderID   string
	SenderName string
	AvatarURL  string
	Text       string
	HTML       string
}

// ImageMessage is an image observed on the third-party network.
type ImageMessage struct {
	Message
	URL      string
	MimeType string
	Width    int
	Height   int
}

// Bridge is the relay engine. All exported methods are safe for concurrent
// use; provisioning is idempotent but not exactly-once, the homeserver's
// alias uniqueness constraint is the backstop for creation races.
type Bridge struct {
	cfg       *Config
	network   Network
	transport Transport
	store     UserStore
	fetcher   ContentFetcher
	htmlConv  *md.Converter
	log       zerolog.Logger

	roomCtxMu sync.RWMutex
	roomCtx   map[string]map[string]any
}

// New wires a Bridge from its collaborators. The config is post-processed
// here, so callers can pass a freshly unmarshaled one.
func New(cfg *Config, network Network, transport Transport, store UserStore, fetcher ContentFetcher, log zerolog.Logger) (*Bridge, error) {
	if network == nil {
		return nil, fmt.Errorf("puppet: network implementation is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("puppet: transport is required")
	}
	if store == nil {
		return nil, fmt.Errorf("puppet: user store is required")
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	return &Bridge{
		cfg:       cfg,
		network:   network,
		transport: transport,
		store:     store,
		fetcher:   fetcher,
		htmlConv:  md.NewConverter("", true, nil),
		log:       log.With().Str("component", "puppet_bridge").Logger(),
		roomCtx:   make(map[string]map[string]any),
	}, nil
}

// SetRoomContext stores auxiliary per-conversation state keyed by the
// third-party room id. Entries live for the life of the bridge; there is no
// eviction. Concrete networks use this for data that arrives with events but
// is needed later (e.g. whether a thread is a group conversation).
func (br *Bridge) SetRoomContext(thirdPartyRoomID, key string, value any) {
	br.roomCtxMu.Lock()
	defer br.roomCtxMu.Unlock()
	m, ok := br.roomCtx[thirdPartyRoomID]
	if !ok {
		m = make(map[string]any)
		br.roomCtx[thirdPartyRoomID] = m
	}
	m[key] = value
}

// RoomContext returns auxiliary state previously stored for the room.
func (br *Bridge) RoomContext(thirdPartyRoomID, key string) (any, bool) {
	br.roomCtxMu.RLock()
	defer br.roomCtxMu.RUnlock()
	m, ok := br.roomCtx[thirdPartyRoomID]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
