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

// Package directory issues exchange codes and resolves them to accounts.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
)

// Store is the subset of the document store the directory needs.
type Store interface {
	storage.DocumentReader
	storage.DocumentWriter
}

type Service struct {
	store  Store
	logger *slog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

type Option func(*Service)

// WithRand replaces the random source used to draw codes.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rand = r }
}

func NewService(log *slog.Logger, store Store, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:  store,
		logger: log.With(slog.String("service", "directory")),
		rand:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Normalize returns the canonical form of a user supplied code.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func (s *Service) draw() (code string, suffix int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	word := Words[s.rand.IntN(len(Words))]
	suffix = suffixMin + s.rand.IntN(suffixMax-suffixMin+1)
	return word + "-" + strconv.Itoa(suffix), suffix
}

// IssueExchangeCode draws a code that no other account holds and creates the
// account profile with it. The reservation and the profile are written in one
// batch, so a code is never reserved without its account.
func (s *Service) IssueExchangeCode(ctx context.Context, accountID string) (models.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.Account{}, ErrEmptyAccountID
	}

	for range maxCodeRetries {
		code, suffix := s.draw()
		account := models.Account{
			AccountID:    accountID,
			ExchangeCode: code,
			DisplayName:  displayNamePrefix + strconv.Itoa(suffix),
		}
		reservation, err := storage.NewOp(storage.ExchangeCodesCollection, code, models.CodeReservation{AccountID: accountID}, true)
		if err != nil {
			return models.Account{}, err
		}
		profile, err := storage.NewOp(storage.AccountsCollection, accountID, account, true)
		if err != nil {
			return models.Account{}, err
		}

		docs, err := s.store.AtomicBatch(ctx, []storage.Op{reservation, profile})
		if err == nil {
			account.CreatedAt = docs[1].CreatedAt
			s.logger.Info("exchange code issued",
				slog.String("account_id", accountID),
				slog.String("exchange_code", code),
			)
			return account, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return models.Account{}, fmt.Errorf("issue exchange code: %w", err)
		}
		// Either the code is taken or the account already has a profile.
		if existing, getErr := s.Get(ctx, accountID); getErr == nil {
			return existing, nil
		}
		s.logger.Debug("exchange code collision", slog.String("exchange_code", code))
	}
	return models.Account{}, ErrCodeSpaceExhausted
}

// EnsureAccount returns the profile of accountID, creating it on first use.
func (s *Service) EnsureAccount(ctx context.Context, accountID string) (models.Account, error) {
	account, err := s.Get(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return models.Account{}, err
	}
	return s.IssueExchangeCode(ctx, accountID)
}

// Get returns the profile of accountID.
func (s *Service) Get(ctx context.Context, accountID string) (models.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.Account{}, ErrEmptyAccountID
	}
	doc, err := s.store.Get(ctx, storage.AccountsCollection, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return toAccount(doc)
}

// Resolve looks up the account holding code. Case and surrounding
// whitespace are ignored.
func (s *Service) Resolve(ctx context.Context, code string) (models.Account, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return models.Account{}, ErrEmptyCode
	}
	docs, err := s.store.QueryEquals(ctx, storage.AccountsCollection, "exchange_code", normalized)
	if err != nil {
		return models.Account{}, fmt.Errorf("resolve exchange code: %w", err)
	}
	switch len(docs) {
	case 0:
		return models.Account{}, ErrNotFound
	case 1:
		return toAccount(docs[0])
	default:
		// Unreachable while reservations are enforced; prefer the holder of the reservation.
		return s.resolveReserved(ctx, normalized, docs)
	}
}

func (s *Service) resolveReserved(ctx context.Context, code string, docs []storage.Document) (models.Account, error) {
	doc, err := s.store.Get(ctx, storage.ExchangeCodesCollection, code)
	if err != nil {
		return models.Account{}, fmt.Errorf("resolve exchange code: %w", err)
	}
	var reservation models.CodeReservation
	if err := doc.Decode(&reservation); err != nil {
		return models.Account{}, err
	}
	for _, candidate := range docs {
		if candidate.ID == reservation.AccountID {
			return toAccount(candidate)
		}
	}
	return models.Account{}, ErrNotFound
}

// Rename changes the display name of accountID. Contact links created
// earlier keep the name they were created with.
func (s *Service) Rename(ctx context.Context, accountID, displayName string) (models.Account, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return models.Account{}, ErrEmptyDisplayName
	}
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}
	account.DisplayName = displayName
	op, err := storage.NewOp(storage.AccountsCollection, account.AccountID, account, false)
	if err != nil {
		return models.Account{}, err
	}
	if _, err := s.store.Set(ctx, op.Collection, op.ID, op.Data); err != nil {
		return models.Account{}, fmt.Errorf("rename account: %w", err)
	}
	return account, nil
}

func toAccount(doc storage.Document) (models.Account, error) {
	var account models.Account
	if err := doc.Decode(&account); err != nil {
		return models.Account{}, err
	}
	if account.AccountID == "" {
		account.AccountID = doc.ID
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = doc.CreatedAt
	}
	return account, nil
}
