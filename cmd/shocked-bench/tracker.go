package main

import (
	"context"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/server"
)

// loadTracker echoes tokens back to its own client and, through the room
// channel, to every peer sharing the room.
//
// State: {"echo": string, "peer": string}
// APIs: echo(token) -> token
type loadTracker struct {
	server.Base
}

type loadParams struct {
	Room string `json:"room" cbor:"room"`
}

func (t *loadTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
	var p loadParams
	if err := t.BindParams(&p); err != nil {
		return nil, err
	}
	if p.Room == "" {
		p.Room = "default"
	}
	if err := t.SetState(map[string]any{"echo": "", "peer": ""}); err != nil {
		return nil, err
	}
	return channel.Named("bench", p.Room), nil
}

func (t *loadTracker) OnEvent(ctx context.Context, ev channel.Event) error {
	if ev.Name != "echo" {
		return nil
	}
	return t.Dispatch(map[string]any{"peer": ev.Data})
}

func (t *loadTracker) Echo(ctx context.Context, call *server.Call) (any, error) {
	var token string
	if err := call.Bind(0, &token); err != nil {
		return nil, err
	}
	if err := t.Dispatch(map[string]any{"echo": token}); err != nil {
		return nil, err
	}
	t.Publish("echo", token)
	return token, nil
}

func loadClass() *server.Class[*loadTracker] {
	return server.Define(func() *loadTracker { return &loadTracker{} }).
		API("echo", (*loadTracker).Echo)
}
