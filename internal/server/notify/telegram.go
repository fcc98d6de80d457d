package notify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot is the part of *tgbotapi.BotAPI used by TelegramSink.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type messageState struct {
	messageID int
	lastEdit  time.Time
	lastSeq   uint64
}

// maxTrackedMessages bounds the per-upload state of abandoned uploads.
const maxTrackedMessages = 4096

// TelegramSink posts one message per upload and edits it in place as the
// upload progresses. Intermediate edits are throttled to one per interval;
// the final state is always written.
type TelegramSink struct {
	bot      Bot
	chatID   int64
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*messageState
}

func NewTelegramSink(bot Bot, chatID int64, interval time.Duration) *TelegramSink {
	return &TelegramSink{
		bot:      bot,
		chatID:   chatID,
		interval: interval,
		now:      time.Now,
		states:   make(map[string]*messageState),
	}
}

// botRequestTimeout bounds every Bot API call.
const botRequestTimeout = 10 * time.Second

// NewBot connects to the Bot API. endpoint is a format string such as
// tgbotapi.APIEndpoint; empty selects the default.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	return newBot(token, endpoint, &http.Client{Timeout: botRequestTimeout})
}

func newBot(token, endpoint string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return tgbotapi.NewBotAPIWithClient(token, endpoint, client)
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Handle(_ context.Context, s tracker.Snapshot) error {
	now := t.now()

	t.mu.Lock()
	st, ok := t.states[s.ID]
	if ok && s.Seq <= st.lastSeq {
		t.mu.Unlock()
		return nil
	}
	if ok && !s.Done() && now.Sub(st.lastEdit) < t.interval {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	text := FormatMessage(s)

	if !ok {
		msg, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text))
		if err != nil {
			return err
		}
		if !s.Done() {
			t.store(s.ID, &messageState{messageID: msg.MessageID, lastEdit: now, lastSeq: s.Seq})
		}
		return nil
	}

	_, err := t.bot.Send(tgbotapi.NewEditMessageText(t.chatID, st.messageID, text))
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Done() {
		delete(t.states, s.ID)
		return nil
	}
	st.lastEdit = now
	st.lastSeq = s.Seq
	return nil
}

func (t *TelegramSink) store(id string, st *messageState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) >= maxTrackedMessages {
		var oldest string
		var at time.Time
		for k, v := range t.states {
			if oldest == "" || v.lastEdit.Before(at) {
				oldest, at = k, v.lastEdit
			}
		}
		delete(t.states, oldest)
	}
	t.states[id] = st
}
