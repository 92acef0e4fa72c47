// Package telegram is a minimal Bot API client: outbound notifications plus
// a long-poll loop for inbound commands. The sentinel uses it for health
// alerts and the /snapshot command.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"dextrend/internal/config"
)

// Handler produces the reply text for one inbound command.
type Handler func(ctx context.Context) string

type Client struct {
	cfg    config.TelegramConfig
	http   *resty.Client
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	offset   int64
}

func New(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + cfg.Token).
		SetTimeout(40 * time.Second). // must exceed the long-poll window
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		})
	return &Client{
		cfg:      cfg,
		http:     http,
		logger:   logger.With("component", "telegram"),
		handlers: make(map[string]Handler),
	}
}

// Enabled reports whether the bot is configured.
func (c *Client) Enabled() bool { return c.cfg.Token != "" && c.cfg.ChatID != "" }

// Send posts a message to the configured chat. Errors are returned for the
// caller to log; notification failure never propagates further.
func (c *Client) Send(ctx context.Context, text string) error {
	if !c.Enabled() {
		return fmt.Errorf("telegram: not configured")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    c.cfg.ChatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Register binds a command (e.g. "/snapshot") to a handler. Must be called
// before Run.
func (c *Client) Register(command string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[command] = h
}

// Run registers the command list with the Bot API once, then long-polls for
// updates until ctx is done. Poll errors are logged and retried.
func (c *Client) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	if err := c.setCommands(ctx); err != nil {
		c.logger.Warn("set commands failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Client) setCommands(ctx context.Context) error {
	c.mu.Lock()
	commands := make([]map[string]string, 0, len(c.handlers))
	for cmd := range c.handlers {
		commands = append(commands, map[string]string{
			"command":     cmd[1:], // Bot API wants the name without the slash
			"description": "bot command",
		})
	}
	c.mu.Unlock()

	if len(commands) == 0 {
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"commands": commands}).
		Post("/setMyCommands")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d", resp.StatusCode())
	}
	return nil
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

func (c *Client) poll(ctx context.Context) error {
	var body updatesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.FormatInt(c.offset, 10),
			"timeout": "30",
		}).
		SetResult(&body).
		Get("/getUpdates")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d", resp.StatusCode())
	}

	for _, u := range body.Result {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		if u.Message == nil {
			continue
		}
		c.dispatch(ctx, u.Message.Text, strconv.FormatInt(u.Message.Chat.ID, 10))
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, text, chatID string) {
	// Only the configured chat may drive the bot.
	if chatID != c.cfg.ChatID {
		return
	}
	c.mu.Lock()
	h, ok := c.handlers[text]
	c.mu.Unlock()
	if !ok {
		return
	}

	reply := h(ctx)
	if reply == "" {
		return
	}
	if err := c.Send(ctx, reply); err != nil {
		c.logger.Warn("command reply failed", "command", text, "err", err)
	}
}
