package cppresenter

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/park285/cpduel-kakao-bot/internal/util"
)

// Sender is the outbound half of the chat transport.
type Sender interface {
	SendText(ctx context.Context, room, message string) error
	SendImage(ctx context.Context, room, imageBase64 string) error
}

// Presenter delivers formatted messages and report images without coupling to the command layer.
type Presenter struct {
	out Sender
}

func NewPresenter(out Sender) *Presenter {
	return &Presenter{out: out}
}

// Text sends message, folding long ones behind Kakao's "see more".
func (p *Presenter) Text(ctx context.Context, room, message string) error {
	if p == nil || p.out == nil || strings.TrimSpace(message) == "" {
		return nil
	}
	return p.out.SendText(ctx, room, util.FoldLong(message))
}

// WithImage sends message followed by image. Either may be empty.
func (p *Presenter) WithImage(ctx context.Context, room, message string, image []byte) error {
	if err := p.Text(ctx, room, message); err != nil {
		return err
	}
	if p == nil || p.out == nil || len(image) == 0 {
		return nil
	}
	return p.out.SendImage(ctx, room, base64.StdEncoding.EncodeToString(image))
}
