// Package slack owns the connection to the chat platform: the Web API
// client used for outbound messaging, the Socket Mode connection the
// inbound event stream arrives on, and the normalizer that turns raw
// frames into canonical inbound events.
package slack

import (
	"context"
	"errors"

	slackapi "github.com/slack-go/slack"

	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

// Client wraps the Slack Web API behind the outbox.API contract and
// exposes the handful of extra calls the bridge needs (auth probe, socket
// URL negotiation).
type Client struct {
	api *slackapi.Client
}

// NewClient builds a client from the bot credential and the app-level
// socket credential.
func NewClient(botToken, appToken string) *Client {
	return &Client{
		api: slackapi.New(botToken, slackapi.OptionAppLevelToken(appToken)),
	}
}

// BotIdentity resolves the bot's own user id via auth.test.
func (c *Client) BotIdentity(ctx context.Context) (userID string, err error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// OpenSocketURL negotiates a fresh Socket Mode websocket URL.
func (c *Client) OpenSocketURL(ctx context.Context) (string, error) {
	_, url, err := c.api.StartSocketModeContext(ctx)
	if err != nil {
		return "", err
	}
	return url, nil
}

// PostMessage implements outbox.API.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string, controls []outbox.Control) (string, error) {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}
	if blocks := buildBlocks(text, controls); blocks != nil {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", translateErr(err)
	}
	return ts, nil
}

// UpdateMessage implements outbox.API.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, controls []outbox.Control) error {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if blocks := buildBlocks(text, controls); blocks != nil {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	} else {
		// Clear any previous blocks so a final edit drops stale buttons.
		opts = append(opts, slackapi.MsgOptionBlocks())
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, opts...)
	return translateErr(err)
}

// DeleteMessage implements outbox.API.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channel, ts)
	return translateErr(err)
}

// PostEphemeral implements outbox.API.
func (c *Client) PostEphemeral(ctx context.Context, channel, user, text string) error {
	_, err := c.api.PostEphemeralContext(ctx, channel, user, slackapi.MsgOptionText(text, false))
	return translateErr(err)
}

var _ outbox.API = (*Client)(nil)

// buildBlocks renders text plus buttons as Block Kit blocks. Plain text
// messages skip blocks entirely.
func buildBlocks(text string, controls []outbox.Control) []slackapi.Block {
	if len(controls) == 0 {
		return nil
	}
	section := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false),
		nil, nil,
	)
	elements := make([]slackapi.BlockElement, 0, len(controls))
	for _, ctl := range controls {
		btn := slackapi.NewButtonBlockElement(
			ctl.ActionID,
			ctl.Value,
			slackapi.NewTextBlockObject(slackapi.PlainTextType, ctl.Label, false, false),
		)
		if ctl.Danger {
			btn = btn.WithStyle(slackapi.StyleDanger)
		}
		elements = append(elements, btn)
	}
	return []slackapi.Block{section, slackapi.NewActionBlock("", elements...)}
}

// translateErr maps SDK errors onto the outbox error contract.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *slackapi.RateLimitedError
	if errors.As(err, &rl) {
		return &outbox.RateLimitedError{RetryAfter: rl.RetryAfter}
	}
	switch err.Error() {
	case "message_not_found", "cant_update_message", "cant_delete_message":
		return outbox.ErrStaleHandle
	}
	return err
}
