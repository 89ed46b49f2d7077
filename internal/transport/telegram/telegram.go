// Package telegram adapts the Bot API (via telebot) to the transport
// gateway contract. Chat and user ids are formatted as decimal strings;
// a chat with a topic thread maps to "chatID:threadID".
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

type Config struct {
	Token  string
	APIURL string
	// PollTimeout is the long-poll timeout. Default 10s.
	PollTimeout time.Duration
	// HistoryDepth is how many recent messages per chat the adapter keeps.
	// The Bot API has no history endpoint, so History serves from this
	// session-local buffer. Default 200.
	HistoryDepth int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot    *tele.Bot
	http   *http.Client
	selfID string

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	ready atomic.Bool

	// dropped counts events lost to a slow consumer; logged periodically
	// instead of per event.
	dropped uint64

	histMu  sync.Mutex
	history map[transport.ChannelRef][]transport.Message
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 200
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		http:    &http.Client{Timeout: 8 * time.Second},
		history: map[transport.ChannelRef][]transport.Message{},
	}
	if b.Me != nil {
		a.selfID = strconv.FormatInt(b.Me.ID, 10)
	}
	return a, nil
}

func (a *Adapter) SelfID() string { return a.selfID }

func (a *Adapter) Ready() bool { return a.ready.Load() }

// Login verifies the session with a getMe round-trip. telebot long-polls
// with its own retry loop, so there is no socket to rebuild; a failing
// token or a dead API endpoint surfaces here.
func (a *Adapter) Login(ctx context.Context) error {
	base := strings.TrimRight(a.cfg.APIURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := base + "/bot" + strings.TrimSpace(a.cfg.Token) + "/getMe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		a.ready.Store(false)
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		a.ready.Store(false)
		return err
	}
	if resp.StatusCode/100 != 2 || !out.OK {
		a.ready.Store(false)
		return fmt.Errorf("getMe failed: http %d", resp.StatusCode)
	}
	if a.selfID == "" && out.Result.ID != 0 {
		a.selfID = strconv.FormatInt(out.Result.ID, 10)
	}
	a.ready.Store(true)
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped events.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
				a.log.Warn("incoming events dropped (channel full)",
					logx.Int64("count", int64(n)),
					logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-rctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := a.toMessage(m)
		a.remember(msg)
		a.emit(out, transport.Event{Kind: transport.EventMessage, At: msg.At, Message: &msg})
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.ready.Store(false)
			a.bot.Stop()
		}()
		a.ready.Store(true)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window keeps shutdown snappy when getUpdates is mid long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) emit(out chan<- transport.Event, ev transport.Event) {
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) SendMessage(ctx context.Context, ch transport.ChannelRef, out transport.Outgoing) (transport.SentMessage, error) {
	chatID, threadID, err := parseChannel(ch)
	if err != nil {
		return transport.SentMessage{}, err
	}
	opt := &tele.SendOptions{ThreadID: threadID}
	if out.Silent {
		opt.DisableNotification = true
	}
	if out.ReplyToID != "" {
		if _, msgID, err := parseMessageID(out.ReplyToID); err == nil {
			opt.ReplyTo = &tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}}
		}
	}

	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, out.Text, opt)
	if err != nil {
		return transport.SentMessage{}, err
	}
	sent := transport.SentMessage{
		ID:      formatMessageID(chatID, msg.ID),
		Channel: ch,
		At:      time.Now(),
	}
	a.remember(transport.Message{
		ID:        sent.ID,
		GuildID:   ch.GuildID,
		ChannelID: ch.ChannelID,
		AuthorID:  a.selfID,
		Text:      out.Text,
		At:        sent.At,
	})
	return sent, nil
}

func (a *Adapter) React(ctx context.Context, ch transport.ChannelRef, messageID, emoji string) error {
	chatID, msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	m := &tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}}
	return a.bot.React(m.Chat, m, tele.Reactions{
		Reactions: []tele.Reaction{{Type: "emoji", Emoji: emoji}},
	})
}

// History serves newest-first from the session-local buffer.
func (a *Adapter) History(ctx context.Context, ch transport.ChannelRef, limit int) ([]transport.Message, error) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	buf := a.history[ch]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	// Buffer is oldest-first; return the newest slice reversed.
	out := make([]transport.Message, 0, limit)
	for i := len(buf) - 1; i >= len(buf)-limit; i-- {
		out = append(out, buf[i])
	}
	return out, nil
}

func (a *Adapter) remember(msg transport.Message) {
	ch := transport.ChannelRef{GuildID: msg.GuildID, ChannelID: msg.ChannelID}
	a.histMu.Lock()
	buf := append(a.history[ch], msg)
	if over := len(buf) - a.cfg.HistoryDepth; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
	}
	a.history[ch] = buf
	a.histMu.Unlock()
}

func (a *Adapter) toMessage(m *tele.Message) transport.Message {
	ch := channelRef(m.Chat.ID, m.ThreadID)
	msg := transport.Message{
		ID:         formatMessageID(m.Chat.ID, m.ID),
		GuildID:    ch.GuildID,
		ChannelID:  ch.ChannelID,
		AuthorID:   strconv.FormatInt(m.Sender.ID, 10),
		AuthorName: m.Sender.Username,
		Text:       m.Text,
		At:         m.Time(),
	}
	if r := m.ReplyTo; r != nil {
		msg.ReplyToID = formatMessageID(m.Chat.ID, r.ID)
		if r.Sender != nil {
			msg.ReplyToAuthorID = strconv.FormatInt(r.Sender.ID, 10)
		}
	}
	// An @mention of the bot's username maps to a self-id mention.
	if a.bot.Me != nil && a.bot.Me.Username != "" &&
		strings.Contains(strings.ToLower(m.Text), "@"+strings.ToLower(a.bot.Me.Username)) {
		msg.Mentions = append(msg.Mentions, a.selfID)
	}
	return msg
}

// channelRef maps a chat (and optional topic thread) to a channel.
func channelRef(chatID int64, threadID int) transport.ChannelRef {
	guild := strconv.FormatInt(chatID, 10)
	channel := guild
	if threadID != 0 {
		channel = fmt.Sprintf("%d:%d", chatID, threadID)
	}
	return transport.ChannelRef{GuildID: guild, ChannelID: channel}
}

func parseChannel(ch transport.ChannelRef) (chatID int64, threadID int, err error) {
	s := ch.ChannelID
	if i := strings.IndexByte(s, ':'); i >= 0 {
		t, terr := strconv.Atoi(s[i+1:])
		if terr != nil {
			return 0, 0, fmt.Errorf("bad channel id %q: %w", s, terr)
		}
		threadID = t
		s = s[:i]
	}
	chatID, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad channel id %q: %w", ch.ChannelID, err)
	}
	return chatID, threadID, nil
}

// Message ids are "chatID:messageID"; Bot API message ids are only unique
// per chat.
func formatMessageID(chatID int64, msgID int) string {
	return fmt.Sprintf("%d:%d", chatID, msgID)
}

func parseMessageID(id string) (chatID int64, msgID int, err error) {
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return 0, 0, fmt.Errorf("bad message id %q", id)
	}
	chatID, err = strconv.ParseInt(id[:i], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad message id %q: %w", id, err)
	}
	msgID, err = strconv.Atoi(id[i+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad message id %q: %w", id, err)
	}
	return chatID, msgID, nil
}
