// Copyright 2025-2026 Aiku AI

package puppet

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.mau.fi/util/exmime"
)

// EnsureGhostAvatar propagates a third-party avatar to a ghost profile. If
// the ghost already has any avatar set, nothing happens: at this layer there
// is no way to tell the same avatar from a changed one, and re-provisioning
// on every message would download and upload the identical image forever.
// Failures wrap ErrAvatarProvisioning; callers treat them as non-fatal.
func (br *Bridge) EnsureGhostAvatar(ctx context.Context, ghost Intent, avatarURL string) error {
	current, err := ghost.AvatarURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: profile lookup for %s: %v", ErrAvatarProvisioning, ghost.UserID(), err)
	}
	if current != "" {
		br.log.Debug().
			Str("ghost", string(ghost.UserID())).
			Msg("Refusing to overwrite existing avatar")
		return nil
	}

	if br.fetcher == nil {
		return fmt.Errorf("%w: no content fetcher configured", ErrAvatarProvisioning)
	}
	content, err := br.fetcher.Fetch(ctx, avatarURL)
	if err != nil {
		return fmt.Errorf("%w: download %s: %v", ErrAvatarProvisioning, avatarURL, err)
	}

	uri, err := ghost.UploadMedia(ctx, content.Data, avatarFileName(avatarURL, content.ContentType), content.ContentType)
	if err != nil {
		return fmt.Errorf("%w: upload: %v", ErrAvatarProvisioning, err)
	}
	if err = ghost.SetAvatarURL(ctx, uri); err != nil {
		return fmt.Errorf("%w: set avatar for %s: %v", ErrAvatarProvisioning, ghost.UserID(), err)
	}
	br.log.Debug().
		Str("ghost", string(ghost.UserID())).
		Str("content_uri", string(uri)).
		Msg("Provisioned ghost avatar")
	return nil
}

// avatarFileName derives an upload filename from the source URL, falling
// back to a mimetype-based extension when the URL path has none.
func avatarFileName(avatarURL, mimeType string) string {
	name := "avatar"
	if parsed, err := url.Parse(avatarURL); err == nil && parsed.Path != "" {
		if base := path.Base(parsed.Path); base != "." && base != "/" {
			name = base
		}
	}
	if !strings.Contains(name, ".") {
		name += exmime.ExtensionFromMimetype(mimeType)
	}
	return name
}
