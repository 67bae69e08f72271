// Package main runs a headless watch-party viewer. It joins the party named by
// PARTY_ID or PARTY_PAGE_URL, or creates one when neither names a party, then
// reads chat lines and commands from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/watchparty/backend/config"
	"github.com/watchparty/backend/internal/auth"
	"github.com/watchparty/backend/internal/client"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/watchparty"
)

const usage = "commands: /ep <season> <episode>, /sync, /name <guest name>, /end, /leave, /quit; anything else is chat"

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	cc := cfg.Client

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var identity *models.Identity
	if cc.Token != "" {
		id, err := auth.PeekIdentity(cc.Token)
		if err != nil {
			logger.Fatal("PARTY_TOKEN", zap.Error(err))
		}
		identity = &id
	}

	wsURL, err := client.WebsocketURL(cc.ServerURL, cc.Token)
	if err != nil {
		logger.Fatal("server url", zap.Error(err))
	}
	substrate, err := client.Dial(ctx, wsURL, client.SubstrateOptions{Logger: logger.Named("substrate")})
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer substrate.Close()

	page := cc.PageURL
	if cc.PartyID != "" {
		id, err := uuid.Parse(cc.PartyID)
		if err != nil {
			logger.Fatal("PARTY_ID", zap.Error(err))
		}
		if page, err = watchparty.WithParty(page, id); err != nil {
			logger.Fatal("PARTY_PAGE_URL", zap.Error(err))
		}
	}

	nav := &navigator{loc: page, logger: logger}
	session := watchparty.New(watchparty.Config{
		Store:     client.NewStore(cc.ServerURL, cc.Token, nil, logger.Named("store")),
		Substrate: substrate,
		Surface:   surface{logger: logger},
		Navigator: nav,
		Notifier:  notifier{},
		Identity:  identity,
		GuestName: cc.GuestName,
		Logger:    logger.Named("session"),
		Observe:   observe,
	})
	defer session.Close()

	if partyID, ok := watchparty.PartyFromURL(page); ok {
		if err := session.Join(ctx, partyID); err != nil {
			logger.Fatal("join", zap.String("party_id", partyID.String()), zap.Error(err))
		}
	} else {
		var media models.MediaRef
		media.Kind, media.TMDBID = models.MediaKind(cc.MediaKind), cc.TMDBID
		party, err := session.Create(ctx, media, nil)
		if err != nil {
			logger.Fatal("create party", zap.Error(err))
		}
		fmt.Printf("party %s created, share %s\n", party.ID, nav.Location())
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(ctx, session, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// handle runs one stdin line and reports whether the client should exit.
func handle(ctx context.Context, s *watchparty.Session, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/ep":
		var ep models.Episode
		ep, err = parseEpisode(fields[1:])
		if err == nil {
			err = s.SelectEpisode(ctx, ep)
		}
	case "/sync":
		err = s.ForceSync(ctx)
	case "/name":
		err = s.SetGuestName(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/name")))
	case "/end":
		err = s.EndParty(ctx)
	case "/leave":
		err = s.Leave(ctx)
	default:
		if strings.HasPrefix(fields[0], "/") {
			fmt.Println(usage)
			return false
		}
		s.Keystroke()
		_, err = s.SendMessage(ctx, line)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func parseEpisode(args []string) (models.Episode, error) {
	if len(args) != 2 {
		return models.Episode{}, fmt.Errorf("usage: /ep <season> <episode>")
	}
	season, err := strconv.Atoi(args[0])
	if err != nil {
		return models.Episode{}, fmt.Errorf("season: %w", err)
	}
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return models.Episode{}, fmt.Errorf("episode: %w", err)
	}
	return models.Episode{Season: season, Number: number}, nil
}

// observe prints what a viewer would see. It runs on the session goroutine.
func observe(ev watchparty.Event, st watchparty.State) {
	switch e := ev.(type) {
	case watchparty.Snapshot:
		fmt.Printf("joined party %s (%s)\n", st.PartyID, st.Phase)
		for _, line := range st.ChatLines() {
			printLine(line)
		}
	case watchparty.Insert:
		printLine(watchparty.ChatLine{Message: e.Message, Author: st.Author(e.Message), Mine: st.IsMine(e.Message)})
	case watchparty.PresenceSync:
		names := make([]string, 0)
		for _, p := range st.People() {
			names = append(names, p.DisplayName)
		}
		fmt.Printf("watching now (%d): %s\n", st.ViewerCount(), strings.Join(names, ", "))
	case watchparty.Broadcast:
		if names := st.TypingNames(time.Now()); len(names) > 0 {
			fmt.Printf("%s typing...\n", strings.Join(names, ", "))
		}
	case watchparty.Tracked:
		fmt.Printf("you appear as %s\n", st.DisplayName())
	}
}

func printLine(l watchparty.ChatLine) {
	author := l.Author
	if l.Mine {
		author += " (you)"
	}
	fmt.Printf("[%s] %s: %s\n", l.Message.CreatedAt.Local().Format("15:04"), author, l.Message.Content)
}

type surface struct {
	logger *zap.Logger
}

func (s surface) ShowEpisode(ep models.Episode) error {
	s.logger.Info("now showing", zap.Int("season", ep.Season), zap.Int("episode", ep.Number))
	return nil
}

type notifier struct{}

func (notifier) Notify(msg string) {
	fmt.Println("*", msg)
}

type navigator struct {
	mu     sync.Mutex
	loc    string
	logger *zap.Logger
}

func (n *navigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loc
}

func (n *navigator) Replace(url string) {
	n.mu.Lock()
	n.loc = url
	n.mu.Unlock()
	n.logger.Debug("location replaced", zap.String("url", url))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
