// Package notify is the broker's operational alert channel: a thin
// Telegram wrapper that fires when the admission supervisor restarts the
// controller or sees a run of Rpc/Unexpected pricing errors (spec.md §7).
// It is grounded on the teacher's internal/bot/telegram.go, trimmed down
// from a full prediction/trading command bot to the alert-sending and
// basic status-command surface this core actually needs.
package notify

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// StatsProvider supplies the numbers the /status command reports. The
// admission controller's Snapshot method satisfies this; cmd wraps it in a
// small adapter that follows the controller across supervisor restarts.
type StatsProvider interface {
	Snapshot() (pending, active, emitted, skipped int)
}

// Notifier sends operational alerts to a configured Telegram chat and
// answers a minimal command set for checking on the running broker.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	stats  StatsProvider

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
}

// New creates a Notifier. If token is empty, alerts are logged instead of
// sent -- this lets the broker run without Telegram configured at all.
func New(token string, chatID int64, stats StatsProvider) (*Notifier, error) {
	n := &Notifier{chatID: chatID, stats: stats}
	if token == "" {
		log.Warn().Str("component", "notify").Msg("no telegram token configured, alerts will only be logged")
		return n, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().Str("component", "notify").Str("username", api.Self.UserName).Msg("telegram notifier connected")
	n.api = api
	return n, nil
}

// Start begins listening for commands (/status, /help) on the configured
// chat. It is a no-op if no token was configured.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.api == nil || n.started {
		return
	}
	n.started = true
	n.stopCh = make(chan struct{})
	go n.listenForCommands(n.stopCh)

	if n.chatID != 0 {
		n.send("🟢 *Broker online*\nOrder admission core is running.")
	}
}

// Stop ends the command listener.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}
	close(n.stopCh)
	n.started = false
}

func (n *Notifier) listenForCommands(stop chan struct{}) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil && update.Message.IsCommand() {
				n.handleCommand(update.Message)
			}
		case <-stop:
			return
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "status":
		n.replyStatus(chatID)
	case "help":
		n.reply(chatID, "*Broker commands*\n/status - admission queue and task counts\n/help - this message")
	default:
		n.reply(chatID, "❓ Unknown command. Use /help.")
	}
}

func (n *Notifier) replyStatus(chatID int64) {
	if n.stats == nil {
		n.reply(chatID, "⚠️ Stats unavailable.")
		return
	}
	pending, active, emitted, skipped := n.stats.Snapshot()
	text := fmt.Sprintf(
		"📊 *Admission status*\n\nPending: %d\nActive: %d\nEmitted: %d\nSkipped: %d",
		pending, active, emitted, skipped,
	)
	n.reply(chatID, text)
}

// AlertRestart reports that the supervisor restarted the controller after
// a fatal error.
func (n *Notifier) AlertRestart(cause error) {
	n.alert(fmt.Sprintf("🔴 *Controller restarted*\n\nCause: %s", escapeMarkdown(cause.Error())))
}

// AlertRepeatedError reports that the same pricing error kind has caused
// count consecutive controller restarts in a row, which may indicate a
// stuck upstream RPC or prover (spec.md §7). Called by the supervisor loop
// once a run crosses repeatedErrorRunThreshold.
func (n *Notifier) AlertRepeatedError(kind string, count int, last error) {
	n.alert(fmt.Sprintf(
		"⚠️ *Repeated %s errors*\n\nCount: %d\nLast: %s",
		kind, count, escapeMarkdown(last.Error()),
	))
}

func (n *Notifier) alert(text string) {
	log.Warn().Str("component", "notify").Msg(text)
	if n.chatID == 0 {
		return
	}
	n.send(text)
}

func (n *Notifier) reply(chatID int64, text string) {
	if n.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("component", "notify").Msg("failed to send telegram message")
	}
}

func (n *Notifier) send(text string) {
	n.reply(n.chatID, text)
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
