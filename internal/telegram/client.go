// Package telegram broadcasts whale alerts and AI insights to one or more
// Telegram chats via the Bot API. Messages use HTML parse mode; delivery to
// each destination is retried independently, and partial failures are
// reported without blocking the caller's bookkeeping.
package telegram

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/whalewatch/engine/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatIDs        []int64
	bigWhale       float64 // notional above which the alert header escalates
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a Telegram client broadcasting to the given chat IDs.
func NewClient(botToken string, chatIDs []string, bigWhaleThreshold float64, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("at least one chat ID is required")
	}
	ids := make([]int64, 0, len(chatIDs))
	for _, raw := range chatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat ID %q: %w", raw, err)
		}
		ids = append(ids, id)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatIDs:        ids,
		bigWhale:       bigWhaleThreshold,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// TransportError reports the destinations a broadcast could not reach. It is
// logged by callers, never retried synchronously, and never blocks
// dedup/quota bookkeeping.
type TransportError struct {
	Failed map[int64]error
}

func (e *TransportError) Error() string {
	ids := make([]int64, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("chat %d: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("delivery failed for %d destination(s): %s", len(ids), strings.Join(parts, "; "))
}

// BroadcastWhaleAlert formats and sends a whale alert to every chat.
func (c *Client) BroadcastWhaleAlert(ctx context.Context, w models.WhaleEvent) error {
	return c.broadcast(ctx, FormatWhaleAlert(w, c.bigWhale))
}

// BroadcastInsight formats and sends an AI insight to every chat.
func (c *Client) BroadcastInsight(ctx context.Context, cand models.Candidate, result *models.AnalysisResult, used, max int) error {
	return c.broadcast(ctx, FormatInsight(cand, result, used, max))
}

// broadcast sends HTML text to all chats, retrying each independently.
// Returns a *TransportError listing the destinations that failed after all
// retries; nil when every chat received the message.
func (c *Client) broadcast(ctx context.Context, text string) error {
	failed := make(map[int64]error)

	for _, chatID := range c.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		var lastErr error
		for i := 0; i < c.maxRetries; i++ {
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
			if _, err := c.bot.Send(msg); err == nil {
				lastErr = nil
				break
			} else {
				lastErr = err
				time.Sleep(c.retryDelayBase * time.Duration(i+1))
			}
		}
		if lastErr != nil {
			failed[chatID] = lastErr
		}
	}

	if len(failed) > 0 {
		return &TransportError{Failed: failed}
	}
	return nil
}

// FormatWhaleAlert renders the whale alert message. Trades above
// bigWhaleThreshold get the escalated siren header.
func FormatWhaleAlert(w models.WhaleEvent, bigWhaleThreshold float64) string {
	emoji := "🐋"
	if bigWhaleThreshold > 0 && w.Notional > bigWhaleThreshold {
		emoji = "🐋🚨🐋"
	}

	sentiment := "🐂 BULLISH"
	if w.Side == "SELL" {
		sentiment = "🐻 BEARISH"
	}
	action := fmt.Sprintf("%sING YES", w.Side)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>WHALE ALERT!</b> %s\n\n", emoji, emoji)
	fmt.Fprintf(&b, "<b>Event:</b> %s\n", html.EscapeString(w.EventTitle))
	if w.MarketQuestion != "" && w.MarketQuestion != w.EventTitle {
		fmt.Fprintf(&b, "<b>Market:</b> %s\n", html.EscapeString(w.MarketQuestion))
	}
	fmt.Fprintf(&b, "<b>Action:</b> %s (%s)\n", action, sentiment)
	fmt.Fprintf(&b, "<b>Amount:</b> $%s\n", humanize.CommafWithDigits(w.Notional, 2))
	fmt.Fprintf(&b, "<b>Price:</b> %g (%.1f%% Odds)\n", w.Price, w.Price*100)
	fmt.Fprintf(&b, "<b>Link:</b> <a href='https://polymarket.com/event/%s'>View Market</a>", w.EventSlug)
	return b.String()
}

// FormatInsight renders the daily market insight message, including the
// budget line (used/max after this spend) and the AI advisory when present.
func FormatInsight(cand models.Candidate, result *models.AnalysisResult, used, max int) string {
	var b strings.Builder
	b.WriteString("⚡ <b>Daily Market Insight</b> ⚡\n")
	fmt.Fprintf(&b, "<i>(Topic: %s | Budget: %d/%d)</i>\n\n", strings.ToUpper(cand.Category), used, max)
	fmt.Fprintf(&b, "<b>Event:</b> %s\n", html.EscapeString(cand.EventTitle))
	fmt.Fprintf(&b, "<b>Market:</b> %s\n", html.EscapeString(cand.MarketQuestion))
	if len(cand.Activity.Reasons) > 0 {
		fmt.Fprintf(&b, "<b>Activity:</b> %s\n", strings.Join(cand.Activity.Reasons, ", "))
	}
	fmt.Fprintf(&b, "<b>Vol:</b> $%s\n", humanize.CommafWithDigits(cand.Activity.TotalVolume, 0))
	fmt.Fprintf(&b, "<b>Price:</b> %g\n", cand.Activity.EndPrice)
	fmt.Fprintf(&b, "<b>Link:</b> <a href='https://polymarket.com/event/%s'>View Market</a>", cand.EventSlug)
	if result != nil && result.Advisory != "" {
		fmt.Fprintf(&b, "\n\n🤖 <b>AI Advisory:</b>\n%s", result.Advisory)
	}
	return b.String()
}
