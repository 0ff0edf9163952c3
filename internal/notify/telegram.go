// Package notify delivers cycle reports to a Telegram chat. It is the
// headless replacement for watching a desktop log pane: every completed
// cycle (and every exclusion reset) becomes a short message.
package notify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dynamix/internal/config"
	"dynamix/internal/rotation"
	logx "dynamix/pkg/logx"
)

type Telegram struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

// NewTelegram builds a send-only bot (no poller: we never receive updates).
func NewTelegram(cfg config.TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, chatID: cfg.ChatID, log: log}, nil
}

// CycleComplete formats and sends a cycle report. Errors are logged, never
// returned: notification failure must not influence the scheduler.
func (t *Telegram) CycleComplete(sum rotation.CycleSummary) {
	t.send(formatSummary(sum))
}

// ExclusionsReset announces a cooldown-map reset.
func (t *Telegram) ExclusionsReset() {
	t.send("Exclusion list was reset; all collections are eligible again.")
}

func (t *Telegram) send(text string) {
	if _, err := t.bot.Send(tele.ChatID(t.chatID), text); err != nil {
		t.log.Warn("telegram notification failed", logx.Err(err))
	}
}

func formatSummary(sum rotation.CycleSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rotation cycle done in %s\n", time.Duration(sum.Duration).Round(time.Second))

	libs := make([]string, 0, len(sum.PinnedByLibrary))
	for lib := range sum.PinnedByLibrary {
		libs = append(libs, lib)
	}
	sort.Strings(libs)
	for _, lib := range libs {
		block := sum.BlockByLibrary[lib]
		fmt.Fprintf(&b, "%s (%s): %s\n", lib, block, strings.Join(sum.PinnedByLibrary[lib], ", "))
	}
	if sum.PinnedCount() == 0 {
		b.WriteString("No collections pinned this cycle.\n")
	}
	if sum.ResetPerformed {
		b.WriteString("Cooldown list was reset to fill quotas.\n")
	}
	if sum.PinErrors > 0 {
		fmt.Fprintf(&b, "%d pin/unpin operations failed (see logs).\n", sum.PinErrors)
	}
	return strings.TrimRight(b.String(), "\n")
}
