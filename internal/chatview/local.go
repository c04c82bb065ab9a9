package chatview

import (
	"context"

	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/policy"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/service"
)

// LocalBackend serves a Controller from the services in the same process.
// The websocket layer and the tests use it.
type LocalBackend struct {
	messages *service.MessageService
	tracker  *presence.Tracker
	bus      fanout.Bus
}

func NewLocalBackend(messages *service.MessageService, tracker *presence.Tracker, bus fanout.Bus) *LocalBackend {
	return &LocalBackend{messages: messages, tracker: tracker, bus: bus}
}

func (b *LocalBackend) Append(ctx context.Context, v View, d model.Draft) (model.Message, error) {
	return b.messages.Append(ctx, v.Principal, v.Conversation, d)
}

func (b *LocalBackend) ReadRange(ctx context.Context, v View, after model.Cursor, limit int) ([]model.Message, error) {
	return b.messages.ReadRange(ctx, v.Principal, v.Conversation, after, limit)
}

func (b *LocalBackend) Subscribe(ctx context.Context, v View, topic string) (Feed, error) {
	if err := policy.Authorize(v.Principal, v.Conversation, policy.ActionRead); err != nil {
		return nil, err
	}
	s, err := b.bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *LocalBackend) Typing(_ context.Context, v View) error {
	b.tracker.Typing(v.Room(), v.Principal.UserID, v.Principal.DisplayName)
	return nil
}

func (b *LocalBackend) StopTyping(_ context.Context, v View) error {
	b.tracker.StopTyping(v.Room(), v.Principal.UserID)
	return nil
}

func (b *LocalBackend) BeginSend(_ context.Context, v View) error {
	b.tracker.BeginSend(v.Room(), v.Principal.UserID, v.Principal.DisplayName)
	return nil
}

func (b *LocalBackend) EndSend(_ context.Context, v View) error {
	b.tracker.EndSend(v.Room(), v.Principal.UserID)
	return nil
}
