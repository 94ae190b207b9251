package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halcyonlabs/chorus"
	"github.com/halcyonlabs/chorus/fabric"
)

// chatPrefix tags ledger channels that originate in the chat fabric.
const chatPrefix = "chat:"

func channelFor(room chorus.Room) string { return chatPrefix + room.Name }

func roomNameFor(channel string) string { return strings.TrimPrefix(channel, chatPrefix) }

// fabricBridge adapts the websocket client to the dispatcher's
// Broadcaster contract: ledger channel tags in, room names out.
type fabricBridge struct {
	client *fabric.Client
}

var _ chorus.Broadcaster = (*fabricBridge)(nil)

func (b *fabricBridge) Broadcast(ctx context.Context, channel, content string) error {
	return b.client.Broadcast(ctx, roomNameFor(channel), content)
}

// fabricLoop keeps the websocket link to fabricd alive: dial with
// backoff, feed inbound messages to the dispatcher, reconnect on drop.
func (a *App) fabricLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.client.Dial(ctx); err != nil {
			a.logger.Warn("fabric dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err := a.client.Listen(ctx, a.onFabricMessage)
		_ = a.client.Close()
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("fabric link dropped", "error", err)
	}
}

// onFabricMessage maps a room message onto the bus and hands it to the
// dispatcher.
func (a *App) onFabricMessage(room chorus.Room, cm chorus.ChatMessage) {
	self := a.client.Self()
	m := chorus.Message{
		ExternalID: fmt.Sprintf("fabric:%s:%d", room.ID, cm.ID),
		Channel:    channelFor(room),
		AuthorName: cm.Username,
		Content:    cm.Content,
		IsSelf:     cm.UserID == self.ID,
		IsBot:      a.isKnownBot(cm.Username),
		CreatedAt:  cm.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.dispatcher.HandleInbound(ctx, m); err != nil {
		a.logger.Warn("inbound dispatch failed", "channel", m.Channel, "error", err)
		return
	}
	if a.inst != nil {
		a.inst.MessagesAppended.Add(ctx, 1)
	}
}

func (a *App) isKnownBot(username string) bool {
	if username == a.cfg.Instance {
		return true
	}
	for _, b := range a.cfg.Dispatch.KnownBots {
		if strings.EqualFold(b, username) {
			return true
		}
	}
	return false
}
