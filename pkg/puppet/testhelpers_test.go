// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package puppet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testDomain = "test.local"

// sentMessage records a message dispatched through a mockIntent.
type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

// uploadCall records a media upload through a mockIntent.
type uploadCall struct {
	FileName string
	MimeType string
	Size     int
}

// mockIntent is an in-memory Intent that records every operation.
type mockIntent struct {
	mu sync.Mutex

	userID id.UserID

	joined  []id.RoomID
	joinErr error

	sent    []sentMessage
	sendErr error

	uploads   []uploadCall
	uploadErr error

	displayNames []string

	avatarURL  id.ContentURIString
	avatarErr  error
	setAvatars []id.ContentURIString
}

func (m *mockIntent) UserID() id.UserID { return m.userID }

func (m *mockIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joined = append(m.joined, roomID)
	return nil
}

func (m *mockIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$evt%d", len(m.sent))), nil
}

func (m *mockIntent) UploadMedia(_ context.Context, data []byte, fileName, mimeType string) (id.ContentURIString, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads = append(m.uploads, uploadCall{FileName: fileName, MimeType: mimeType, Size: len(data)})
	return id.ContentURIString(fmt.Sprintf("mxc://%s/upload%d", testDomain, len(m.uploads))), nil
}

func (m *mockIntent) SetDisplayName(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayNames = append(m.displayNames, name)
	return nil
}

func (m *mockIntent) AvatarURL(_ context.Context) (id.ContentURIString, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avatarURL, m.avatarErr
}

func (m *mockIntent) SetAvatarURL(_ context.Context, uri id.ContentURIString) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAvatars = append(m.setAvatars, uri)
	m.avatarURL = uri
	return nil
}

func (m *mockIntent) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.sent))
	copy(cp, m.sent)
	return cp
}

// mockTransport is an in-memory homeserver: alias bindings, room creation,
// joins, and per-identity intents.
type mockTransport struct {
	mu sync.Mutex

	aliasBindings map[id.RoomAlias]id.RoomID
	roomAliases   map[id.RoomID][]id.RoomAlias
	nextRoom      int

	createCalls int
	joinCalls   []id.RoomID
	deleteCalls []id.RoomAlias

	// joinErr, when set, decides the outcome of every JoinRoom call.
	joinErr func(roomID id.RoomID) error

	puppet *mockIntent
	ghosts map[id.UserID]*mockIntent
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		aliasBindings: make(map[id.RoomAlias]id.RoomID),
		roomAliases:   make(map[id.RoomID][]id.RoomAlias),
		puppet:        &mockIntent{userID: id.UserID("@puppet:" + testDomain)},
		ghosts:        make(map[id.UserID]*mockIntent),
	}
}

func (t *mockTransport) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	roomID, ok := t.aliasBindings[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	return roomID, nil
}

func (t *mockTransport) CreateRoom(_ context.Context, aliasLocalpart, _, _ string) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createCalls++
	t.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", t.nextRoom, testDomain))
	alias := id.RoomAlias(fmt.Sprintf("#%s:%s", aliasLocalpart, testDomain))
	t.aliasBindings[alias] = roomID
	t.roomAliases[roomID] = append(t.roomAliases[roomID], alias)
	return roomID, nil
}

func (t *mockTransport) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteCalls = append(t.deleteCalls, alias)
	if roomID, ok := t.aliasBindings[alias]; ok {
		delete(t.aliasBindings, alias)
		kept := t.roomAliases[roomID][:0]
		for _, a := range t.roomAliases[roomID] {
			if a != alias {
				kept = append(kept, a)
			}
		}
		t.roomAliases[roomID] = kept
	}
	return nil
}

func (t *mockTransport) RoomAliases(_ context.Context, roomID id.RoomID) ([]id.RoomAlias, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]id.RoomAlias, len(t.roomAliases[roomID]))
	copy(cp, t.roomAliases[roomID])
	return cp, nil
}

func (t *mockTransport) JoinRoom(_ context.Context, roomID id.RoomID) error {
	t.mu.Lock()
	joinErr := t.joinErr
	t.joinCalls = append(t.joinCalls, roomID)
	t.mu.Unlock()
	if joinErr != nil {
		return joinErr(roomID)
	}
	return nil
}

func (t *mockTransport) DownloadURL(uri id.ContentURIString) string {
	return "https://media." + testDomain + "/" + strings.TrimPrefix(string(uri), "mxc://")
}

func (t *mockTransport) Puppet() Intent { return t.puppet }

func (t *mockTransport) Ghost(userID id.UserID) Intent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ghost, ok := t.ghosts[userID]
	if !ok {
		ghost = &mockIntent{userID: userID}
		t.ghosts[userID] = ghost
	}
	return ghost
}

// bindAlias pre-populates an alias binding without counting as a create.
func (t *mockTransport) bindAlias(alias id.RoomAlias, roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliasBindings[alias] = roomID
	t.roomAliases[roomID] = append(t.roomAliases[roomID], alias)
}

// networkSend records an outbound text send on a mockNetwork.
type networkSend struct {
	RoomID string
	Text   string
}

// mockNetwork implements Network and UserDataFetcher in memory.
type mockNetwork struct {
	mu sync.Mutex

	roomData      map[string]RoomData
	roomDataErr   error
	roomDataCalls int

	userData      map[string]UserData
	userDataErr   error
	userDataCalls int

	sentTexts  []networkSend
	sentImages []struct {
		RoomID string
		Image  OutgoingImage
	}
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		roomData: make(map[string]RoomData),
		userData: make(map[string]UserData),
	}
}

func (n *mockNetwork) ServicePrefix() string { return "slack" }
func (n *mockNetwork) ServiceName() string   { return "Slack" }
func (n *mockNetwork) PuppetUserID() string  { return "UPUPPET" }

func (n *mockNetwork) RoomData(_ context.Context, thirdPartyRoomID string) (RoomData, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roomDataCalls++
	if n.roomDataErr != nil {
		return RoomData{}, n.roomDataErr
	}
	if data, ok := n.roomData[thirdPartyRoomID]; ok {
		return data, nil
	}
	return RoomData{Name: "Room " + thirdPartyRoomID, Topic: "Slack conversation"}, nil
}

func (n *mockNetwork) UserData(_ context.Context, thirdPartyUserID string) (UserData, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userDataCalls++
	if n.userDataErr != nil {
		return UserData{}, n.userDataErr
	}
	return n.userData[thirdPartyUserID], nil
}

func (n *mockNetwork) SendText(_ context.Context, thirdPartyRoomID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentTexts = append(n.sentTexts, networkSend{RoomID: thirdPartyRoomID, Text: text})
	return nil
}

func (n *mockNetwork) SendImage(_ context.Context, thirdPartyRoomID string, img OutgoingImage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentImages = append(n.sentImages, struct {
		RoomID string
		Image  OutgoingImage
	}{thirdPartyRoomID, img})
	return nil
}

// bareNetwork is a Network without the UserDataFetcher capability.
type bareNetwork struct{}

func (bareNetwork) ServicePrefix() string { return "slack" }
func (bareNetwork) ServiceName() string   { return "Slack" }
func (bareNetwork) PuppetUserID() string  { return "UPUPPET" }
func (bareNetwork) RoomData(context.Context, string) (RoomData, error) {
	return RoomData{Name: "r"}, nil
}
func (bareNetwork) SendText(context.Context, string, string) error { return nil }
func (bareNetwork) SendImage(context.Context, string, OutgoingImage) error {
	return nil
}

// memStore is an in-memory UserStore with call counters and an optional
// normalization hook applied on write, to simulate stores whose persisted
// representation differs from what was written.
type memStore struct {
	mu sync.Mutex

	records  map[string]*RemoteUserRecord
	getCalls int
	setCalls int
	getErr   error
	setErr   error

	normalizeOnSet func(*RemoteUserRecord) *RemoteUserRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*RemoteUserRecord)}
}

func (s *memStore) GetRemoteUser(_ context.Context, thirdPartyUserID string) (*RemoteUserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[thirdPartyUserID]
	if !ok {
		return nil, nil
	}
	cp := *record
	return &cp, nil
}

func (s *memStore) SetRemoteUser(_ context.Context, record *RemoteUserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	cp := *record
	stored := &cp
	if s.normalizeOnSet != nil {
		stored = s.normalizeOnSet(stored)
	}
	s.records[record.UserID] = stored
	return nil
}

// mockFetcher serves canned bytes for every URL and records requests.
type mockFetcher struct {
	mu sync.Mutex

	calls       []string
	data        []byte
	contentType string
	err         error
}

func (f *mockFetcher) Fetch(_ context.Context, url string) (*FetchedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, url)
	data := f.data
	if data == nil {
		data = []byte("fake-image-bytes")
	}
	contentType := f.contentType
	if contentType == "" {
		contentType = "image/png"
	}
	return &FetchedContent{Data: data, ContentType: contentType}, nil
}

func (f *mockFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testBridge bundles a Bridge with its mock collaborators.
type testBridge struct {
	bridge    *Bridge
	network   *mockNetwork
	transport *mockTransport
	store     *memStore
	fetcher   *mockFetcher
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := &testBridge{
		network:   newMockNetwork(),
		transport: newMockTransport(),
		store:     newMemStore(),
		fetcher:   &mockFetcher{},
	}
	cfg := &Config{
		Homeserver: HomeserverConfig{
			Address: "http://localhost:8008",
			Domain:  testDomain,
		},
	}
	br, err := New(cfg, tb.network, tb.transport, tb.store, tb.fetcher, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tb.bridge = br
	return tb
}

// ghost returns the mockIntent for a ghost, failing the test if the ghost
// was never requested from the transport.
func (tb *testBridge) ghost(t *testing.T, userID id.UserID) *mockIntent {
	t.Helper()
	tb.transport.mu.Lock()
	defer tb.transport.mu.Unlock()
	ghost, ok := tb.transport.ghosts[userID]
	if !ok {
		t.Fatalf("ghost %s was never provisioned", userID)
	}
	return ghost
}
