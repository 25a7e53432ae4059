package irisfast

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/obslog"
)

// Egress abstracts message/image sending over HTTP or WebSocket.
type Egress interface {
	SendText(ctx context.Context, room, message string) error
	SendImage(ctx context.Context, room, imageBase64 string) error
}

const (
	ModeHTTP = "http"
	ModeWS   = "ws"
	ModeAuto = "auto"
)

var errNoTransport = errors.New("egress transport not available")

// NewEgress picks the transport. In auto mode WS is preferred while connected and a failed
// WS write falls back to HTTP once. Dry run logs instead of sending.
func NewEgress(mode string, dryrun bool, c *Client, ws WSClient) Egress {
	var e Egress
	switch mode {
	case ModeWS:
		e = &wsEgress{ws: ws}
	case ModeAuto:
		e = &autoEgress{ws: &wsEgress{ws: ws}, http: &httpEgress{c: c}}
	default:
		e = &httpEgress{c: c}
	}
	if dryrun {
		return dryRunEgress{}
	}
	return e
}

type httpEgress struct{ c *Client }

func (h *httpEgress) SendText(ctx context.Context, room, message string) error {
	if h == nil || h.c == nil {
		return errNoTransport
	}
	return h.c.SendMessage(ctx, room, message)
}

func (h *httpEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	if h == nil || h.c == nil {
		return errNoTransport
	}
	return h.c.SendImage(ctx, room, imageBase64)
}

// wsEgress writes ReplyRequest frames over the ingress socket.
type wsEgress struct{ ws WSClient }

func (w *wsEgress) ready() bool { return w != nil && w.ws != nil && w.ws.State() == WSStateConnected }

func (w *wsEgress) SendText(ctx context.Context, room, message string) error {
	if w == nil || w.ws == nil {
		return errNoTransport
	}
	return w.ws.WriteJSON(ctx, ReplyRequest{Type: "text", Room: room, Data: message})
}

func (w *wsEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	if w == nil || w.ws == nil {
		return errNoTransport
	}
	return w.ws.WriteJSON(ctx, ReplyRequest{Type: "image", Room: room, Data: imageBase64})
}

type autoEgress struct {
	ws   *wsEgress
	http *httpEgress
}

func (a *autoEgress) SendText(ctx context.Context, room, message string) error {
	if a.ws.ready() {
		err := a.ws.SendText(ctx, room, message)
		if err == nil {
			return nil
		}
		obslog.L().Warn("egress_fallback", zap.String("type", "text"), zap.String("room", room), zap.Error(err))
	}
	return a.http.SendText(ctx, room, message)
}

func (a *autoEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	if a.ws.ready() {
		err := a.ws.SendImage(ctx, room, imageBase64)
		if err == nil {
			return nil
		}
		obslog.L().Warn("egress_fallback", zap.String("type", "image"), zap.String("room", room), zap.Error(err))
	}
	return a.http.SendImage(ctx, room, imageBase64)
}

type dryRunEgress struct{}

func (dryRunEgress) SendText(_ context.Context, room, message string) error {
	obslog.L().Info("egress_dryrun", zap.String("type", "text"), zap.String("room", room), zap.String("text", message))
	return nil
}

func (dryRunEgress) SendImage(_ context.Context, room, imageBase64 string) error {
	obslog.L().Info("egress_dryrun", zap.String("type", "image"), zap.String("room", room), zap.Int("bytes", len(imageBase64)))
	return nil
}
