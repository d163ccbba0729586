package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification summarises one download run.
type Notification struct {
	RunID         string
	Exchange      string
	Market        string
	Symbol        string
	Status        string
	StartedAt     time.Time
	Duration      time.Duration
	ChunksWritten int
	ChunksRemoved int
	Gaps          int
	Pages         int
	LastTradeID   uint64
	LastTradeTime time.Time
	Error         string
}

// Failed reports whether the run ended in error.
func (n Notification) Failed() bool {
	return n.Error != ""
}

// Notifier delivers run notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify posts the rendered summary via sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("symbol", note.Symbol).
		Str("status", note.Status).
		Msg("run summary sent to telegram")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[tickdl] %s %s %s: %s\n", note.Exchange, note.Market, note.Symbol, note.Status))
	builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	builder.WriteString(fmt.Sprintf("Started: %s UTC (%s)\n", note.StartedAt.UTC().Format(time.RFC3339), note.Duration.Round(time.Second)))
	builder.WriteString(fmt.Sprintf("Chunks: %d written, %d removed\n", note.ChunksWritten, note.ChunksRemoved))
	builder.WriteString(fmt.Sprintf("Gaps: %d, pages: %d\n", note.Gaps, note.Pages))
	if note.LastTradeID > 0 {
		builder.WriteString(fmt.Sprintf("Last trade: %d at %s UTC\n", note.LastTradeID, note.LastTradeTime.UTC().Format(time.RFC3339)))
	}
	if note.Failed() {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
