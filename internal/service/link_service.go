package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"seedr-bot/internal/repository"
	"seedr-bot/internal/seedr"
)

var (
	ErrAlreadyLinked  = errors.New("account already linked")
	ErrCodeExpired    = errors.New("device code expired or unknown")
	// ErrLinkInProgress means another press of the same button is still being exchanged.
	ErrLinkInProgress = errors.New("device code exchange in progress")
)

// Linker is the external device-code authorization service.
type Linker interface {
	DeviceCode(ctx context.Context) (*seedr.DeviceCode, error)
	Exchange(ctx context.Context, deviceCode string) (*oauth2.Token, error)
	Account(ctx context.Context, token *oauth2.Token) (*seedr.Account, error)
}

// TokenStore persists linked credentials.
type TokenStore interface {
	Exists(ctx context.Context, telegramID int64) (bool, error)
	Save(ctx context.Context, telegramID int64, token string, replace bool) error
}

// LinkPolicy controls how issued device codes and existing links are treated.
// The zero value keeps codes valid until the linking service rejects them and
// refuses to replace an existing link.
type LinkPolicy struct {
	CodeTTL     time.Duration
	AllowRelink bool
}

type pendingCode struct {
	telegramID int64
	issuedAt   time.Time
	// claimed is set while an exchange for the code is running.
	claimed bool
}

// LinkService drives the UNLINKED -> CODE_ISSUED -> LINKED flow.
type LinkService struct {
	linker Linker
	tokens TokenStore
	policy LinkPolicy
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCode
}

func NewLinkService(linker Linker, tokens TokenStore, policy LinkPolicy) *LinkService {
	return &LinkService{
		linker:  linker,
		tokens:  tokens,
		policy:  policy,
		now:     time.Now,
		pending: make(map[string]pendingCode),
	}
}

// Linked reports whether telegramID has a stored credential.
func (s *LinkService) Linked(ctx context.Context, telegramID int64) (bool, error) {
	return s.tokens.Exists(ctx, telegramID)
}

// Begin issues a device code for telegramID. The linking service is not
// contacted when the user is already linked and relinking is disabled.
func (s *LinkService) Begin(ctx context.Context, telegramID int64) (*seedr.DeviceCode, error) {
	if !s.policy.AllowRelink {
		linked, err := s.tokens.Exists(ctx, telegramID)
		if err != nil {
			return nil, err
		}
		if linked {
			return nil, ErrAlreadyLinked
		}
	}

	code, err := s.linker.DeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}

	s.mu.Lock()
	s.pending[code.DeviceCode] = pendingCode{telegramID: telegramID, issuedAt: s.now()}
	s.mu.Unlock()

	return code, nil
}

// Complete exchanges deviceCode for a credential and stores it for telegramID.
// Nothing is persisted unless the exchange and the account lookup both succeed.
// The code stays pending while the exchange runs and is kept afterwards only
// when the user has not authorized it yet.
func (s *LinkService) Complete(ctx context.Context, telegramID int64, deviceCode string) (account *seedr.Account, err error) {
	if err = s.claim(telegramID, deviceCode); err != nil {
		return nil, err
	}
	defer func() {
		s.release(deviceCode, errors.Is(err, seedr.ErrAuthorizationPending))
	}()

	token, err := s.linker.Exchange(ctx, deviceCode)
	if err != nil {
		return nil, err
	}

	account, err = s.linker.Account(ctx, token)
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeToken(token)
	if err != nil {
		return nil, err
	}

	if err = s.tokens.Save(ctx, telegramID, encoded, s.policy.AllowRelink); err != nil {
		if errors.Is(err, repository.ErrTokenExists) {
			return nil, ErrAlreadyLinked
		}
		return nil, err
	}
	return account, nil
}

// claim marks deviceCode as being exchanged. Codes issued before a restart are
// not tracked; they are accepted only when no TTL is configured.
func (s *LinkService) claim(telegramID int64, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.pending[deviceCode]
	switch {
	case !ok && s.policy.CodeTTL > 0:
		return ErrCodeExpired
	case !ok:
		entry = pendingCode{telegramID: telegramID, issuedAt: now}
	case entry.telegramID != telegramID:
		return ErrCodeExpired
	case s.expired(entry, now):
		delete(s.pending, deviceCode)
		return ErrCodeExpired
	case entry.claimed:
		return ErrLinkInProgress
	}

	entry.claimed = true
	s.pending[deviceCode] = entry
	return nil
}

// release ends an exchange: the code is either kept for another press or dropped.
func (s *LinkService) release(deviceCode string, keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[deviceCode]
	if !ok {
		return
	}
	if !keep {
		delete(s.pending, deviceCode)
		return
	}
	entry.claimed = false
	s.pending[deviceCode] = entry
}

func (s *LinkService) expired(entry pendingCode, now time.Time) bool {
	return s.policy.CodeTTL > 0 && now.Sub(entry.issuedAt) > s.policy.CodeTTL
}

// Sweep drops expired pending codes that are not being exchanged and returns
// how many were removed. It stops early when ctx is done.
func (s *LinkService) Sweep(ctx context.Context) (int, error) {
	if s.policy.CodeTTL <= 0 {
		return 0, nil
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, entry := range s.pending {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.claimed && s.expired(entry, now) {
			delete(s.pending, code)
			removed++
		}
	}
	return removed, nil
}

// Pending returns the number of issued, unclaimed codes.
func (s *LinkService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// EncodeToken serializes a credential for storage.
func EncodeToken(token *oauth2.Token) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeToken reverses EncodeToken.
func DecodeToken(encoded string) (*oauth2.Token, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}
