// Package notify fans the rendered digest out to the configured delivery
// channels. A digest counts as delivered when any one channel accepts it.
package notify

import (
	"context"

	"github.com/promowatch/promowatch/internal/pkg/logger"
)

// Digest is the payload handed to every channel.
type Digest struct {
	Subject string
	HTML    string
	Text    string
}

// Channel delivers a digest somewhere the operator will see it.
type Channel interface {
	Name() string
	Send(ctx context.Context, digest *Digest) error
}

// Notifier fans out to its channels in order.
type Notifier struct {
	channels []Channel
}

// NewNotifier creates a notifier over the given channels.
func NewNotifier(channels ...Channel) *Notifier {
	return &Notifier{channels: channels}
}

// ChannelCount reports how many channels are configured.
func (n *Notifier) ChannelCount() int { return len(n.channels) }

// Deliver sends the digest through every channel. It returns true when at
// least one channel succeeded; per-channel failures are logged, not fatal.
func (n *Notifier) Deliver(ctx context.Context, digest *Digest) bool {
	delivered := false
	for _, ch := range n.channels {
		if err := ch.Send(ctx, digest); err != nil {
			logger.Error("digest delivery failed", "channel", ch.Name(), "error", err)
			continue
		}
		logger.Info("digest delivered", "channel", ch.Name())
		delivered = true
	}
	return delivered
}
