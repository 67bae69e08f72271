package watchparty

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchparty/backend/internal/models"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
	bareURL = "https://watch.example/tv/1399"
)

type viewer struct {
	*Session
	surface  *fakeSurface
	nav      *fakeNavigator
	notifier *fakeNotifier
}

func newViewer(t *testing.T, b *fakeBackend, identity *models.Identity, guestName, location string) *viewer {
	t.Helper()
	v := &viewer{surface: &fakeSurface{}, nav: &fakeNavigator{loc: location}, notifier: &fakeNotifier{}}
	client := b.as(identity)
	v.Session = New(Config{
		Store:     client,
		Substrate: client,
		Surface:   v.surface,
		Navigator: v.nav,
		Notifier:  v.notifier,
		Identity:  identity,
		GuestName: guestName,
	})
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestWatchPartyEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}

	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaTV, TMDBID: "1399"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ana.ID, party.HostID)
	assert.True(t, party.IsPlaying)
	assert.True(t, host.State().IsHost())

	link := host.nav.Location()
	id, ok := PartyFromURL(link)
	require.True(t, ok)
	require.Equal(t, party.ID, id)

	guest := newViewer(t, b, nil, "Sam", link)
	require.NoError(t, guest.Join(ctx, id))
	st := guest.State()
	require.Equal(t, PhaseJoined, st.Phase)
	assert.Nil(t, st.Party.SeasonNumber)
	assert.False(t, st.IsHost())
	_, shown := guest.surface.last()
	assert.False(t, shown)

	require.NoError(t, host.SelectEpisode(ctx, models.Episode{Season: 1, Number: 2}))
	assert.Eventually(t, func() bool {
		ep, ok := guest.surface.last()
		return ok && ep == models.Episode{Season: 1, Number: 2}
	}, waitFor, poll)

	_, err = host.SendMessage(ctx, "hello")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		lines := guest.State().ChatLines()
		return len(lines) == 1 && lines[0].Content == "hello" && lines[0].Author == "ana" && !lines[0].Mine
	}, waitFor, poll)
	hostLines := host.State().ChatLines()
	require.Len(t, hostLines, 1, "own message is merged with its notification")
	assert.True(t, hostLines[0].Mine)

	require.NoError(t, host.EndParty(ctx))
	assert.Eventually(t, func() bool {
		return guest.State().Phase == PhaseEnded && guest.nav.Location() == bareURL
	}, waitFor, poll)
	assert.Equal(t, []string{NoticeEnded}, guest.notifier.all())
	assert.Equal(t, []string{NoticeHostEnded}, host.notifier.all())
	assert.Equal(t, bareURL, host.nav.Location())

	err = guest.Join(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Eventually(t, func() bool { return guest.State().Phase == PhaseUnjoined }, waitFor, poll)
	assert.Eventually(t, func() bool { return b.subscriptionCount() == 0 }, waitFor, poll)
}

func TestJoinUnknownPartyFallsBack(t *testing.T) {
	b := newFakeBackend()
	missing := uuid.New()
	link, err := WithParty(bareURL, missing)
	require.NoError(t, err)

	v := newViewer(t, b, nil, "Sam", link)
	err = v.Join(context.Background(), missing)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Eventually(t, func() bool { return v.nav.Location() == bareURL }, waitFor, poll)
	assert.Equal(t, PhaseUnjoined, v.State().Phase)
	assert.Zero(t, b.subscriptionCount())
}

func TestGuestCannotWritePlayback(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaTV, TMDBID: "1399"}, &models.Episode{Season: 1, Number: 1})
	require.NoError(t, err)

	guest := newViewer(t, b, &models.Identity{ID: uuid.New(), Email: "bo@example.com"}, "", bareURL)
	require.NoError(t, guest.Join(ctx, party.ID))
	ep, ok := guest.surface.last()
	require.True(t, ok)
	assert.Equal(t, models.Episode{Season: 1, Number: 1}, ep)

	assert.ErrorIs(t, guest.SelectEpisode(ctx, models.Episode{Season: 2, Number: 1}), ErrNotHost)
	assert.ErrorIs(t, guest.ForceSync(ctx), ErrNotHost)
	assert.ErrorIs(t, guest.EndParty(ctx), ErrNotHost)
	assert.Equal(t, models.Episode{Season: 1, Number: 1}, *guest.State().Displayed)
}

func TestForceSyncRepublishesDisplayedEpisode(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaTV, TMDBID: "1399"}, &models.Episode{Season: 1, Number: 3})
	require.NoError(t, err)
	guest := newViewer(t, b, nil, "Sam", bareURL)
	require.NoError(t, guest.Join(ctx, party.ID))

	before := host.State().Party.LastUpdated
	require.NoError(t, host.ForceSync(ctx))
	assert.Eventually(t, func() bool {
		p := guest.State().Party
		return p != nil && p.LastUpdated.After(before)
	}, waitFor, poll)
	assert.Equal(t, models.Episode{Season: 1, Number: 3}, *guest.State().Displayed)
}

func TestChatRequiresIdentityOrGuestName(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaMovie, TMDBID: "603"}, nil)
	require.NoError(t, err)

	guest := newViewer(t, b, nil, "", bareURL)
	_, err = guest.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrNotJoined)
	require.NoError(t, guest.Join(ctx, party.ID))

	_, err = guest.SendMessage(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = guest.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrIdentityRequired)

	assert.Error(t, guest.SetGuestName(ctx, "me@example.com"))
	require.NoError(t, guest.SetGuestName(ctx, "Sam"))
	require.Eventually(t, func() bool { return guest.State().GuestConfirmed() }, waitFor, poll)
	msg, err := guest.SendMessage(ctx, "hi")
	require.NoError(t, err)
	require.NotNil(t, msg.GuestName)
	assert.Equal(t, "Sam", *msg.GuestName)

	assert.Eventually(t, func() bool {
		lines := host.State().ChatLines()
		return len(lines) == 1 && lines[0].Author == "Sam"
	}, waitFor, poll)
	assert.Eventually(t, func() bool { return host.State().ViewerCount() == 2 }, waitFor, poll)
}

func TestTypingReachesOthersOnce(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaMovie, TMDBID: "603"}, nil)
	require.NoError(t, err)
	guest := newViewer(t, b, nil, "Sam", bareURL)
	require.NoError(t, guest.Join(ctx, party.ID))
	require.Eventually(t, func() bool { return guest.State().Tracked != nil }, waitFor, poll)

	for i := 0; i < 10; i++ {
		guest.Keystroke()
	}
	assert.Eventually(t, func() bool {
		return len(host.State().TypingNames(time.Now())) == 1
	}, waitFor, poll)
	assert.Equal(t, []string{"Sam"}, host.State().TypingNames(time.Now()))
	assert.Empty(t, guest.State().TypingNames(time.Now()), "own signal ignored")

	b.mu.Lock()
	sent := b.typingOut
	b.mu.Unlock()
	assert.Equal(t, 1, sent)
}

func TestResubscribeReloadsMissedState(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaTV, TMDBID: "1399"}, nil)
	require.NoError(t, err)
	guest := newViewer(t, b, nil, "Sam", bareURL)
	require.NoError(t, guest.Join(ctx, party.ID))

	// Changes made while no notification reaches the guest.
	b.mu.Lock()
	p := models.SelectEpisode(models.Episode{Season: 4, Number: 1}).Apply(b.parties[party.ID], b.tick())
	b.parties[party.ID] = p
	b.nextMsg++
	b.messages[party.ID] = append(b.messages[party.ID], models.Message{ID: b.nextMsg, PartyID: party.ID, UserID: &ana.ID, Content: "missed", CreatedAt: b.tick()})
	b.mu.Unlock()

	b.resubscribe()
	assert.Eventually(t, func() bool {
		st := guest.State()
		return len(st.Messages) == 1 && st.Displayed != nil && *st.Displayed == models.Episode{Season: 4, Number: 1}
	}, waitFor, poll)
}

func TestLeaveUnsubscribesBothChannels(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaMovie, TMDBID: "603"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.subscriptionCount())

	require.NoError(t, host.Leave(ctx))
	assert.Eventually(t, func() bool { return b.subscriptionCount() == 0 }, waitFor, poll)
	assert.ErrorIs(t, host.Leave(ctx), ErrNotJoined)
	_, err = host.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrPartyEnded)

	// The party itself lives on and can be rejoined.
	require.NoError(t, host.Join(ctx, party.ID))
	assert.True(t, host.State().IsHost())
}

func TestCreateRequiresIdentity(t *testing.T) {
	v := newViewer(t, newFakeBackend(), nil, "Sam", bareURL)
	_, err := v.Create(context.Background(), models.MediaRef{Kind: models.MediaMovie, TMDBID: "603"}, nil)
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestGuestChatsUnderConfirmedName(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	ana := &models.Identity{ID: uuid.New(), Email: "ana@example.com"}
	host := newViewer(t, b, ana, "", bareURL)
	party, err := host.Create(ctx, models.MediaRef{Kind: models.MediaMovie, TMDBID: "603"}, nil)
	require.NoError(t, err)

	first := newViewer(t, b, nil, "Sam", bareURL)
	require.NoError(t, first.Join(ctx, party.ID))
	require.Eventually(t, func() bool { return first.State().GuestConfirmed() }, waitFor, poll)

	b.mu.Lock()
	b.holdTrack = make(chan struct{})
	b.mu.Unlock()
	second := newViewer(t, b, nil, "Sam", bareURL)
	require.NoError(t, second.Join(ctx, party.ID))
	_, err = second.SendMessage(ctx, "too early")
	assert.ErrorIs(t, err, ErrNotPresent)
	close(b.holdTrack)

	require.Eventually(t, func() bool { return second.State().GuestConfirmed() }, waitFor, poll)
	assert.Equal(t, "Sam #2", second.State().DisplayName())

	_, err = first.SendMessage(ctx, "from the first Sam")
	require.NoError(t, err)
	_, err = second.SendMessage(ctx, "from the second Sam")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		lines := host.State().ChatLines()
		return len(lines) == 2 && lines[0].Author == "Sam" && lines[1].Author == "Sam #2"
	}, waitFor, poll)
}
