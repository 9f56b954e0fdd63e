package mattermost

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PostSource lists channel posts. *Client implements it.
type PostSource interface {
	ChannelPosts(ctx context.Context, channelID string, since time.Time) (*PostList, error)
}

// PollerOpts configures a Poller.
type PollerOpts struct {
	Source        PostSource
	ChannelID     string
	BotUserID     string
	Interval      time.Duration // between successful polls; default 10s
	RetryInterval time.Duration // after a failed poll; default 15s
	Lookback      time.Duration // initial watermark offset; default 5m
	Handle        func(ctx context.Context, p Post)
	Now           func() time.Time
}

// Poller periodically fetches new posts from one channel and hands each
// non-bot post to Handle, oldest first.
type Poller struct {
	source        PostSource
	channelID     string
	botUserID     string
	interval      time.Duration
	retryInterval time.Duration
	handle        func(ctx context.Context, p Post)
	watermark     time.Time
}

// NewPoller validates opts and returns a Poller whose watermark starts
// Lookback in the past.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("mattermost: poller: source is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("mattermost: poller: channel id is required")
	}
	if opts.Handle == nil {
		return nil, fmt.Errorf("mattermost: poller: handle func is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 15 * time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 5 * time.Minute
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return &Poller{
		source:        opts.Source,
		channelID:     opts.ChannelID,
		botUserID:     opts.BotUserID,
		interval:      opts.Interval,
		retryInterval: opts.RetryInterval,
		handle:        opts.Handle,
		watermark:     now().Add(-opts.Lookback),
	}, nil
}

// Watermark returns the creation time of the newest post seen so far.
func (p *Poller) Watermark() time.Time {
	return p.watermark
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Str("channel", p.channelID).Dur("interval", p.interval).Msg("mattermost poller started")
	for {
		wait := p.interval
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("channel", p.channelID).Msg("mattermost poll failed")
			wait = p.retryInterval
		}

		select {
		case <-ctx.Done():
			log.Info().Str("channel", p.channelID).Msg("mattermost poller stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// PollOnce fetches posts since the watermark and dispatches them.
func (p *Poller) PollOnce(ctx context.Context) error {
	list, err := p.source.ChannelPosts(ctx, p.channelID, p.watermark)
	if err != nil {
		return err
	}

	floor := p.watermark.UnixMilli()
	for _, post := range list.Oldest() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// "since" also returns edits and deletions of older posts.
		if post.DeleteAt > 0 || post.CreateAt < floor {
			continue
		}
		if post.CreateAt > p.watermark.UnixMilli() {
			p.watermark = time.UnixMilli(post.CreateAt)
		}
		if post.UserID == p.botUserID {
			continue
		}
		if post.ChannelID == "" {
			post.ChannelID = p.channelID
		}
		p.handle(ctx, post)
	}
	return nil
}
