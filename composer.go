package chatloop

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotReady is returned by sends attempted before both the local user and
// the selected peer are resolved.
var ErrNotReady = errors.New("chatloop: composer not ready, session or peer unresolved")

// Composer produces outbound message intents. It owns the pending draft text
// and centralizes the readiness check both send paths share.
type Composer struct {
	client  *Client
	channel *Channel
	rec     *Reconciler
	log     zerolog.Logger

	mu    sync.Mutex
	draft string
}

// NewComposer creates a composer. channel may be nil for REST-only callers;
// delivery to the peer then relies on the backend alone. A nil logger
// disables logging.
func NewComposer(client *Client, channel *Channel, rec *Reconciler, logger *zerolog.Logger) *Composer {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Composer{client: client, channel: channel, rec: rec, log: log}
}

// SetDraft replaces the pending input text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the pending input text.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Ready reports whether both identities of the hot conversation are resolved.
func (c *Composer) Ready() bool {
	snap := c.rec.Snapshot()
	return snap.Session != nil && snap.Peer != 0
}

// Send posts the current draft as a text message. A draft that is blank after
// trimming is a silent no-op and the draft is left as typed. Otherwise the
// draft is cleared before the network call; a failed call is logged and the
// message stays absent from the conversation — there is no automatic retry.
func (c *Composer) Send(ctx context.Context) (*Message, error) {
	snap := c.rec.Snapshot()
	if snap.Session == nil || snap.Peer == 0 {
		return nil, ErrNotReady
	}

	c.mu.Lock()
	body := strings.TrimSpace(c.draft)
	if body == "" {
		c.mu.Unlock()
		return nil, nil
	}
	c.draft = ""
	c.mu.Unlock()

	from, to := snap.Session.UserID, snap.Peer
	msg, err := c.client.AddMessage(ctx, from, to, body)
	if err != nil {
		c.log.Error().Err(err).Int("to", to).Msg("message send failed")
		return nil, err
	}

	c.deliver(ctx, from, to, *msg)
	return msg, nil
}

// SendImage uploads an image and, once the backend has accepted it, treats it
// like a sent text message. A failed upload leaves conversation state
// untouched.
func (c *Composer) SendImage(ctx context.Context, filename string, image []byte) (*Message, error) {
	snap := c.rec.Snapshot()
	if snap.Session == nil || snap.Peer == 0 {
		return nil, ErrNotReady
	}
	if len(image) == 0 {
		return nil, errors.New("chatloop: no image payload selected")
	}

	from, to := snap.Session.UserID, snap.Peer
	msg, err := c.client.AddImageMessage(ctx, from, to, filename, image)
	if err != nil {
		c.log.Error().Err(err).Int("to", to).Str("file", filename).Msg("image upload failed")
		return nil, err
	}

	c.deliver(ctx, from, to, *msg)
	return msg, nil
}

func (c *Composer) deliver(ctx context.Context, from, to int, msg Message) {
	c.rec.Submit(MessageSent{Message: msg})
	if c.channel == nil {
		return
	}
	if err := c.channel.ForwardMessage(ctx, from, to, msg); err != nil {
		// The message is persisted; the peer picks it up from history.
		c.log.Warn().Err(err).Int("to", to).Msg("realtime forward failed")
	}
}
