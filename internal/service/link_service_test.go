package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"seedr-bot/internal/repository"
	"seedr-bot/internal/seedr"
)

type fakeLinker struct {
	mu          sync.Mutex
	codeCalls   int
	exchanges   int
	exchangeErr error
	accountErr  error
	next        int
}

func (f *fakeLinker) DeviceCode(context.Context) (*seedr.DeviceCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls++
	f.next++
	return &seedr.DeviceCode{
		DeviceCode:      "dev-" + string(rune('a'+f.next)),
		UserCode:        "USER-CODE",
		VerificationURL: "https://www.seedr.cc/devices",
	}, nil
}

func (f *fakeLinker) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "at-" + code, RefreshToken: "rt", TokenType: "bearer"}, nil
}

func (f *fakeLinker) Account(context.Context, *oauth2.Token) (*seedr.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return &seedr.Account{Username: "seeder"}, nil
}

func newTokenRepo(t *testing.T) *repository.TokenRepository {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "link.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })
	return repository.NewTokenRepository(db)
}

func TestLinkFlow(t *testing.T) {
	ctx := context.Background()
	linker := &fakeLinker{}
	tokens := newTokenRepo(t)
	svc := NewLinkService(linker, tokens, LinkPolicy{})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Pending())

	account, err := svc.Complete(ctx, 10, code.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "seeder", account.Username)
	assert.Zero(t, svc.Pending())

	stored, err := tokens.Find(ctx, 10)
	require.NoError(t, err)
	decoded, err := DecodeToken(stored.Token)
	require.NoError(t, err)
	assert.Equal(t, "at-"+code.DeviceCode, decoded.AccessToken)

	linked, err := svc.Linked(ctx, 10)
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestBeginAlreadyLinkedSkipsLinker(t *testing.T) {
	ctx := context.Background()
	linker := &fakeLinker{}
	tokens := newTokenRepo(t)
	require.NoError(t, tokens.Save(ctx, 10, "existing", false))
	svc := NewLinkService(linker, tokens, LinkPolicy{})

	for i := 0; i < 2; i++ {
		_, err := svc.Begin(ctx, 10)
		assert.ErrorIs(t, err, ErrAlreadyLinked)
	}
	assert.Zero(t, linker.codeCalls)
	assert.Zero(t, linker.exchanges)
}

func TestRelinkReplacesToken(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenRepo(t)
	require.NoError(t, tokens.Save(ctx, 10, "existing", false))
	svc := NewLinkService(&fakeLinker{}, tokens, LinkPolicy{AllowRelink: true})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.NoError(t, err)

	stored, err := tokens.Find(ctx, 10)
	require.NoError(t, err)
	assert.NotEqual(t, "existing", stored.Token)
}

func TestCompleteExchangeFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	linker := &fakeLinker{exchangeErr: errors.New("boom")}
	tokens := newTokenRepo(t)
	svc := NewLinkService(linker, tokens, LinkPolicy{})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.Error(t, err)

	linked, err := svc.Linked(ctx, 10)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Zero(t, svc.Pending())
}

func TestCompleteAccountFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenRepo(t)
	svc := NewLinkService(&fakeLinker{accountErr: errors.New("down")}, tokens, LinkPolicy{})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.Error(t, err)

	linked, err := svc.Linked(ctx, 10)
	require.NoError(t, err)
	assert.False(t, linked)
}

func TestCompletePendingAuthorizationKeepsCode(t *testing.T) {
	ctx := context.Background()
	linker := &fakeLinker{exchangeErr: seedr.ErrAuthorizationPending}
	svc := NewLinkService(linker, newTokenRepo(t), LinkPolicy{CodeTTL: time.Minute})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.ErrorIs(t, err, seedr.ErrAuthorizationPending)
	assert.Equal(t, 1, svc.Pending())

	linker.exchangeErr = nil
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.NoError(t, err)
}

func TestCodeTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := NewLinkService(&fakeLinker{}, newTokenRepo(t), LinkPolicy{CodeTTL: 5 * time.Minute})
	svc.now = func() time.Time { return now }

	first, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	second, err := svc.Begin(ctx, 11)
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	_, err = svc.Complete(ctx, 10, first.DeviceCode)
	assert.ErrorIs(t, err, ErrCodeExpired)

	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, svc.Pending())

	_, err = svc.Complete(ctx, 11, second.DeviceCode)
	assert.ErrorIs(t, err, ErrCodeExpired)

	_, err = svc.Complete(ctx, 10, "never-issued")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestCompleteRejectsOtherUsersCode(t *testing.T) {
	ctx := context.Background()
	svc := NewLinkService(&fakeLinker{}, newTokenRepo(t), LinkPolicy{})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, 99, code.DeviceCode)
	assert.ErrorIs(t, err, ErrCodeExpired)
	assert.Equal(t, 1, svc.Pending())

	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.NoError(t, err)
}

func TestCompleteUntrackedCodeWithoutTTL(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenRepo(t)
	svc := NewLinkService(&fakeLinker{}, tokens, LinkPolicy{})

	_, err := svc.Complete(ctx, 10, "issued-before-restart")
	require.NoError(t, err)
	linked, err := svc.Linked(ctx, 10)
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestSweepWithoutTTL(t *testing.T) {
	ctx := context.Background()
	svc := NewLinkService(&fakeLinker{}, newTokenRepo(t), LinkPolicy{})
	_, err := svc.Begin(ctx, 1)
	require.NoError(t, err)
	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, svc.Pending())
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := NewLinkService(&fakeLinker{}, newTokenRepo(t), LinkPolicy{CodeTTL: time.Minute})
	svc.now = func() time.Time { return now }
	_, err := svc.Begin(context.Background(), 1)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	removed, err := svc.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, removed)
	assert.Equal(t, 1, svc.Pending())
}

// gatedLinker holds every Exchange until the test sends its result on release.
type gatedLinker struct {
	fakeLinker
	entered chan struct{}
	release chan error
}

func newGatedLinker() *gatedLinker {
	return &gatedLinker{entered: make(chan struct{}), release: make(chan error)}
}

func (g *gatedLinker) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	g.entered <- struct{}{}
	if err := <-g.release; err != nil {
		return nil, err
	}
	return g.fakeLinker.Exchange(ctx, code)
}

func TestCompleteSecondPressWhileExchanging(t *testing.T) {
	ctx := context.Background()
	linker := newGatedLinker()
	svc := NewLinkService(linker, newTokenRepo(t), LinkPolicy{CodeTTL: time.Minute})

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Complete(ctx, 10, code.DeviceCode)
		done <- err
	}()
	<-linker.entered

	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	assert.ErrorIs(t, err, ErrLinkInProgress)
	assert.Equal(t, 1, svc.Pending())

	linker.release <- seedr.ErrAuthorizationPending
	require.ErrorIs(t, <-done, seedr.ErrAuthorizationPending)
	assert.Equal(t, 1, svc.Pending())

	go func() {
		<-linker.entered
		linker.release <- nil
	}()
	_, err = svc.Complete(ctx, 10, code.DeviceCode)
	require.NoError(t, err)
	assert.Zero(t, svc.Pending())
}

func TestSweepSkipsCodeBeingExchanged(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	linker := newGatedLinker()
	svc := NewLinkService(linker, newTokenRepo(t), LinkPolicy{CodeTTL: time.Minute})
	svc.now = func() time.Time { return now }

	code, err := svc.Begin(ctx, 10)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Complete(ctx, 10, code.DeviceCode)
		done <- err
	}()
	<-linker.entered

	now = now.Add(time.Hour)
	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	linker.release <- errors.New("seedr unavailable")
	require.Error(t, <-done)
	assert.Zero(t, svc.Pending())
}
