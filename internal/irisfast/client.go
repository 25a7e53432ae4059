package irisfast

import (
	"context"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider = fastcall.HeaderProvider

// Client talks to the Iris HTTP API. Replies are not retried: a resent reply is a duplicate chat message.
type Client struct {
	api *fastcall.Client
}

func NewClient(baseURL string, opts ...fastcall.Option) *Client {
	base := []fastcall.Option{fastcall.WithName("iris"), fastcall.WithTimeout(10 * time.Second)}
	return &Client{api: fastcall.NewClient(baseURL, append(base, opts...)...)}
}

func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.api.GetJSON(ctx, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) SendMessage(ctx context.Context, room, message string) error {
	req := ReplyRequest{Type: "text", Room: room, Data: message}
	return c.api.PostJSON(ctx, "/reply", req, nil, false)
}

func (c *Client) SendImage(ctx context.Context, room, imageBase64 string) error {
	req := ImageReplyRequest{Type: "image", Room: room, Data: imageBase64}
	return c.api.PostJSON(ctx, "/reply", req, nil, false)
}

// HeaderSet builds the X-User-* handshake headers Iris expects, skipping empty values.
func HeaderSet(userID, email, sessionID string) HeaderProvider {
	return func() map[string]string {
		h := map[string]string{}
		if userID != "" {
			h["X-User-Id"] = userID
		}
		if email != "" {
			h["X-User-Email"] = email
		}
		if sessionID != "" {
			h["X-Session-Id"] = sessionID
		}
		return h
	}
}
