package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/halcyonlabs/chorus"
)

// crystalWindowSize is how many recent messages feed one continuity
// snapshot.
const crystalWindowSize = 60

// newCrystallizer returns the hook the dispatcher fires every N turns:
// render the channel's recent transcript, ask the worker for a
// continuity snapshot, store it as the next crystal.
func newCrystallizer(invoker *chorus.Invoker, ledger chorus.Ledger, crystals *chorus.CrystalStore, model string) chorus.Crystallizer {
	return func(ctx context.Context, channel string) error {
		msgs, err := ledger.GetRange(ctx, chorus.RangeQuery{Channel: channel, Limit: crystalWindowSize})
		if err != nil {
			return fmt.Errorf("crystallize %q: %w", channel, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		text, err := invoker.Invoke(ctx, crystalPrompt(channel, msgs), chorus.InvokeOptions{
			ModelOverride: model,
		})
		if err != nil {
			return fmt.Errorf("crystallize %q: %w", channel, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		return crystals.Store(ctx, text, map[string]string{"channel": channel})
	}
}

func crystalPrompt(channel string, msgs []chorus.Message) string {
	var b strings.Builder
	b.WriteString("Write a continuity snapshot of the conversation below: ")
	b.WriteString("who is involved, what is in motion, what was decided, what is unresolved. ")
	b.WriteString("Write it to your future self. Plain prose, no headers.\n\n")
	b.WriteString("Channel: " + channel + "\n\n")
	for _, m := range msgs {
		b.WriteString(m.AuthorName)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
