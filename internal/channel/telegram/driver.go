// Package telegram delivers messages through the Telegram Bot API.
//
// Targets are chat ids ("-1001234567890") or public usernames ("@channel").
// The bot token plays the role of the session: a revoked or invalid token
// reports as awaiting authentication until a valid token is configured.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/channel"
	"groupcast/internal/model"
)

type Config struct {
	Token   string
	APIURL  string // empty means the public Bot API
	Timeout time.Duration
}

type Driver struct {
	cfg Config

	mu    sync.Mutex
	bot   *tele.Bot
	chats map[string]*tele.Chat
}

func New(cfg Config) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Driver{cfg: cfg, chats: map[string]*tele.Chat{}}, nil
}

// Start builds the bot client and waits until the Bot API answers.
func (d *Driver) Start(ctx context.Context) error {
	b, err := tele.NewBot(tele.Settings{
		URL:     d.cfg.APIURL,
		Token:   d.cfg.Token,
		Client:  &http.Client{Timeout: d.cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.bot = b
	d.mu.Unlock()

	backoff := 500 * time.Millisecond
	for {
		_, err := d.Probe(ctx)
		if err == nil {
			return nil
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("bot api not reachable: %w", err)
		case <-t.C:
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

func (d *Driver) client() (*tele.Bot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bot == nil {
		return nil, errors.New("telegram driver not started")
	}
	return d.bot, nil
}

func (d *Driver) Probe(ctx context.Context) (channel.Readiness, error) {
	b, err := d.client()
	if err != nil {
		return channel.ReadinessUnknown, err
	}
	_, err = withContext(ctx, func() ([]byte, error) { return b.Raw("getMe", nil) })
	switch {
	case err == nil:
		return channel.ReadinessAuthenticated, nil
	case isUnauthorized(err):
		return channel.ReadinessAwaitingAuth, nil
	default:
		return channel.ReadinessUnknown, err
	}
}

func (d *Driver) Deliver(ctx context.Context, target, text string) error {
	b, err := d.client()
	if err != nil {
		return err
	}
	chat, err := d.resolve(ctx, b, target)
	if err != nil {
		return d.classify(err)
	}
	_, err = withContext(ctx, func() (*tele.Message, error) {
		return b.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	})
	return d.classify(err)
}

func (d *Driver) resolve(ctx context.Context, b *tele.Bot, target string) (*tele.Chat, error) {
	target = strings.TrimSpace(target)
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}
	if !strings.HasPrefix(target, "@") {
		return nil, fmt.Errorf("target %q is neither a chat id nor an @username", target)
	}

	d.mu.Lock()
	c, ok := d.chats[target]
	d.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := withContext(ctx, func() (*tele.Chat, error) { return b.ChatByUsername(target) })
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.chats[target] = c
	d.mu.Unlock()
	return c, nil
}

func (d *Driver) classify(err error) error {
	if err != nil && isUnauthorized(err) {
		return fmt.Errorf("%w: %v", model.ErrNotAuthenticated, err)
	}
	return err
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.bot = nil
	d.chats = map[string]*tele.Chat{}
	d.mu.Unlock()
	return nil
}

func isUnauthorized(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "(401)")
}

// withContext stops waiting when ctx ends. telebot calls are not
// context-aware; the HTTP client timeout bounds the abandoned call.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
