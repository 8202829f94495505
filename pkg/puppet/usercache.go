// Copyright 2025-2026 Aiku AI

package puppet

import (
	"context"
	"fmt"
)

// ResolveRemoteUser returns the persisted record for a third-party user,
// creating it on first reference. On a store miss the metadata is fetched
// from the network, written to the store, and then read back: the returned
// record is always the store's persisted representation, not the locally
// built one, so stores that normalize on write stay authoritative.
func (br *Bridge) ResolveRemoteUser(ctx context.Context, thirdPartyUserID string) (*RemoteUserRecord, error) {
	record, err := br.store.GetRemoteUser(ctx, thirdPartyUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: store lookup for %s: %v", ErrMetadataFetch, thirdPartyUserID, err)
	}
	if record != nil {
		br.log.Debug().
			Str("third_party_user_id", thirdPartyUserID).
			Str("sender_name", record.SenderName).
			Msg("Found existing remote user in store")
		return record, nil
	}

	fetcher, ok := br.network.(UserDataFetcher)
	if !ok {
		return nil, fmt.Errorf("%w: network cannot fetch user data for %s", ErrMetadataFetch, thirdPartyUserID)
	}
	data, err := fetcher.UserData(ctx, thirdPartyUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user data lookup for %s: %v", ErrMetadataFetch, thirdPartyUserID, err)
	}
	if data.SenderName == "" {
		return nil, fmt.Errorf("%w: no sender name for %s", ErrMetadataFetch, thirdPartyUserID)
	}

	if err = br.store.SetRemoteUser(ctx, &RemoteUserRecord{
		UserID:     thirdPartyUserID,
		SenderName: data.SenderName,
	}); err != nil {
		return nil, fmt.Errorf("%w: store write for %s: %v", ErrMetadataFetch, thirdPartyUserID, err)
	}

	record, err = br.store.GetRemoteUser(ctx, thirdPartyUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: store re-read for %s: %v", ErrMetadataFetch, thirdPartyUserID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: store did not persist %s", ErrMetadataFetch, thirdPartyUserID)
	}
	br.log.Debug().
		Str("third_party_user_id", thirdPartyUserID).
		Str("sender_name", record.SenderName).
		Msg("Created remote user record")
	return record, nil
}
