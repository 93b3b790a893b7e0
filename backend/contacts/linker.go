// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package contacts links accounts by exchange code and keeps each account's
// roster of linked peers.
package contacts

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
)

type Store interface {
	storage.DocumentReader
	storage.DocumentWriter
	storage.DocumentSubscriber
}

// Directory resolves exchange codes and account profiles.
type Directory interface {
	Resolve(ctx context.Context, code string) (models.Account, error)
	Get(ctx context.Context, accountID string) (models.Account, error)
}

type Service struct {
	store     Store
	directory Directory
	logger    *slog.Logger
	policy    live.Policy
}

type Option func(*Service)

// WithPolicy sets the resubscribe policy of roster streams.
func WithPolicy(p live.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(log *slog.Logger, store Store, dir Directory, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:     store,
		directory: dir,
		logger:    log.With(slog.String("service", "contacts")),
		policy:    live.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LinkByCode links requesterID with the holder of rawCode. The pair
// reservation, the channel and both contact links are committed in one batch:
// either all of them exist afterwards or none does. Of two concurrent links
// of the same pair exactly one succeeds, the other gets ErrDuplicateLink.
func (s *Service) LinkByCode(ctx context.Context, requesterID, rawCode string) (models.ContactLink, error) {
	code := directory.Normalize(rawCode)
	if code == "" {
		return models.ContactLink{}, directory.ErrEmptyCode
	}
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return models.ContactLink{}, directory.ErrEmptyAccountID
	}

	peer, err := s.directory.Resolve(ctx, code)
	if err != nil {
		return models.ContactLink{}, err
	}
	if peer.AccountID == requesterID {
		return models.ContactLink{}, ErrSelfLink
	}

	_, err = s.store.Get(ctx, storage.ContactsCollection(requesterID), peer.AccountID)
	switch {
	case err == nil:
		return models.ContactLink{}, ErrDuplicateLink
	case !errors.Is(err, storage.ErrNotFound):
		return models.ContactLink{}, fmt.Errorf("check existing link: %w", err)
	}

	requester, err := s.directory.Get(ctx, requesterID)
	if err != nil {
		return models.ContactLink{}, err
	}

	channel := models.Channel{
		ChannelID:      uuid.NewString(),
		ParticipantIDs: [2]string{requesterID, peer.AccountID},
	}
	mine := models.ContactLink{
		OwnerID:         requesterID,
		PeerID:          peer.AccountID,
		PeerDisplayName: peer.DisplayName,
		ChannelID:       channel.ChannelID,
	}
	theirs := models.ContactLink{
		OwnerID:         peer.AccountID,
		PeerID:          requesterID,
		PeerDisplayName: requester.DisplayName,
		ChannelID:       channel.ChannelID,
	}

	ops := make([]storage.Op, 0, 4)
	for _, w := range []struct {
		collection, id string
		v              any
	}{
		{storage.ChannelPairsCollection, models.PairKey(requesterID, peer.AccountID), models.ChannelPair{ChannelID: channel.ChannelID}},
		{storage.ChannelsCollection, channel.ChannelID, channel},
		{storage.ContactsCollection(requesterID), peer.AccountID, mine},
		{storage.ContactsCollection(peer.AccountID), requesterID, theirs},
	} {
		op, err := storage.NewOp(w.collection, w.id, w.v, true)
		if err != nil {
			return models.ContactLink{}, err
		}
		ops = append(ops, op)
	}

	docs, err := s.store.AtomicBatch(ctx, ops)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return models.ContactLink{}, ErrDuplicateLink
	}
	if err != nil {
		return models.ContactLink{}, fmt.Errorf("link by code: %w", err)
	}
	mine.CreatedAt = docs[2].CreatedAt

	s.logger.Info("contact link created",
		slog.String("channel_id", channel.ChannelID),
		slog.String("owner_id", requesterID),
		slog.String("peer_id", peer.AccountID),
	)
	return mine, nil
}

// Roster returns the current contact links of ownerID.
func (s *Service) Roster(ctx context.Context, ownerID string) ([]models.ContactLink, error) {
	links, _, err := s.roster(ctx, ownerID)
	return links, err
}

func (s *Service) roster(ctx context.Context, ownerID string) ([]models.ContactLink, int64, error) {
	docs, err := s.store.List(ctx, storage.ContactsCollection(ownerID), 0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("list roster: %w", err)
	}
	links := make([]models.ContactLink, 0, len(docs))
	var last int64
	for _, doc := range docs {
		link, err := toLink(doc)
		if err != nil {
			return nil, 0, err
		}
		links = append(links, link)
		last = max(last, doc.Seq)
	}
	sortLinks(links)
	return links, last, nil
}

// Link returns the link from ownerID to peerID.
func (s *Service) Link(ctx context.Context, ownerID, peerID string) (models.ContactLink, error) {
	doc, err := s.store.Get(ctx, storage.ContactsCollection(ownerID), peerID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ContactLink{}, ErrLinkNotFound
	}
	if err != nil {
		return models.ContactLink{}, fmt.Errorf("get link: %w", err)
	}
	return toLink(doc)
}

func toLink(doc storage.Document) (models.ContactLink, error) {
	var link models.ContactLink
	if err := doc.Decode(&link); err != nil {
		return models.ContactLink{}, err
	}
	if link.PeerID == "" {
		link.PeerID = doc.ID
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = doc.CreatedAt
	}
	return link, nil
}

// sortLinks orders a roster by link time, then peer id.
func sortLinks(links []models.ContactLink) {
	slices.SortFunc(links, func(a, b models.ContactLink) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.PeerID, b.PeerID)
	})
}

func snapshot(byPeer map[string]models.ContactLink) []models.ContactLink {
	links := lo.Values(byPeer)
	sortLinks(links)
	return links
}
