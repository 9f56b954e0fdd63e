// Package engine is the delivery and reminder engine. It gates inbound
// Mattermost requests on the working window, posts them to the chat
// platform, and tracks every notification until someone takes it, replies
// to it, or the response deadline escalates it to the manager channel.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/dedup"
	"github.com/zulandar/signalbox/internal/mattermost"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/window"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultReminderInterval = 7 * time.Minute
	DefaultMaxReminders     = 3
	DefaultResponseDeadline = 6 * time.Minute
	DefaultRetention        = 24 * time.Hour
	DefaultMaxPending       = 1000
	DefaultSweepCron        = "*/10 * * * *"
	DefaultEmailDomain      = "skbkontur.ru"
	DefaultDequeueWait      = time.Second
)

// Mattermost is the subset of the Mattermost client the engine uses.
// *mattermost.Client implements it.
type Mattermost interface {
	CreatePost(ctx context.Context, channelID, message, rootID string) (*mattermost.Post, error)
	GetUser(ctx context.Context, id string) (*mattermost.User, error)
	GetUserByEmail(ctx context.Context, email string) (*mattermost.User, error)
	PostURL(postID string) (string, bool)
	DirectURL(username string) string
	ProfileURL(username string) string
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Opts holds parameters for creating an Engine.
type Opts struct {
	Store      *store.Store
	Adapter    chat.Adapter
	Mattermost Mattermost
	Policy     *window.Policy
	Metrics    *metrics.Metrics // defaults to a fresh private set

	SupportChannel string // chat channel receiving notifications
	ManagerChannel string // chat channel receiving escalations
	MattermostBot  string // Mattermost user ID of the bot; its posts are ignored
	Trigger        string // substring a post must contain; empty accepts all

	QueueCapacity    int
	ReminderInterval time.Duration
	MaxReminders     int
	ResponseDeadline time.Duration
	Retention        time.Duration
	MaxPending       int
	SweepCron        string
	DequeueWait      time.Duration

	EmailDomain        string
	SpecialistPosition string

	Now func() time.Time // defaults to time.Now
}

// Engine owns the relay queue and every tracked notification.
type Engine struct {
	store   *store.Store
	adapter chat.Adapter
	mm      Mattermost
	policy  *window.Policy
	metrics *metrics.Metrics
	dedup   *dedup.Deduplicator
	queue   *queue.Queue[Request]

	supportChannel string
	managerChannel string
	mattermostBot  string
	trigger        string

	reminderInterval time.Duration
	maxReminders     int
	responseDeadline time.Duration
	retention        time.Duration
	maxPending       int
	sweepCron        string
	dequeueWait      time.Duration

	emailDomain        string
	emailPattern       *regexp.Regexp
	specialistPosition string

	now func() time.Time

	// mu guards items, conversations and every field of every item.
	mu            sync.Mutex
	items         map[string]*item
	conversations map[string]*conversation

	// wg tracks reminder and deadline goroutines.
	wg       sync.WaitGroup
	stopping bool
}

// New validates opts and creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("engine: adapter is required")
	}
	if opts.Mattermost == nil {
		return nil, fmt.Errorf("engine: mattermost client is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("engine: working window policy is required")
	}
	if opts.SupportChannel == "" {
		return nil, fmt.Errorf("engine: support channel is required")
	}
	if opts.ManagerChannel == "" {
		return nil, fmt.Errorf("engine: manager channel is required")
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = DefaultReminderInterval
	}
	if opts.MaxReminders <= 0 {
		opts.MaxReminders = DefaultMaxReminders
	}
	if opts.ResponseDeadline <= 0 {
		opts.ResponseDeadline = DefaultResponseDeadline
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.SweepCron == "" {
		opts.SweepCron = DefaultSweepCron
	}
	if _, err := cronParser.Parse(opts.SweepCron); err != nil {
		return nil, fmt.Errorf("engine: sweep cron %q: %w", opts.SweepCron, err)
	}
	if opts.DequeueWait <= 0 {
		opts.DequeueWait = DefaultDequeueWait
	}
	if opts.EmailDomain == "" {
		opts.EmailDomain = DefaultEmailDomain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:              opts.Store,
		adapter:            opts.Adapter,
		mm:                 opts.Mattermost,
		policy:             opts.Policy,
		metrics:            opts.Metrics,
		dedup:              dedup.New(),
		queue:              queue.New[Request](opts.QueueCapacity),
		supportChannel:     opts.SupportChannel,
		managerChannel:     opts.ManagerChannel,
		mattermostBot:      opts.MattermostBot,
		trigger:            opts.Trigger,
		reminderInterval:   opts.ReminderInterval,
		maxReminders:       opts.MaxReminders,
		responseDeadline:   opts.ResponseDeadline,
		retention:          opts.Retention,
		maxPending:         opts.MaxPending,
		sweepCron:          opts.SweepCron,
		dequeueWait:        opts.DequeueWait,
		emailDomain:        opts.EmailDomain,
		emailPattern:       regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@` + regexp.QuoteMeta(opts.EmailDomain) + `$`),
		specialistPosition: opts.SpecialistPosition,
		now:                opts.Now,
		items:              make(map[string]*item),
		conversations:      make(map[string]*conversation),
	}, nil
}

// QueueLen returns the number of requests waiting for delivery.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run connects the chat adapter, starts the queue consumer and the eviction
// sweep, and handles chat events until ctx is cancelled. Requests that were
// accepted but never notified before a restart are delivered first. On shutdown every
// reminder and deadline task is cancelled and awaited, and the adapter is
// closed.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("engine: connect: %w", err)
	}
	events, err := e.adapter.Listen(ctx)
	if err != nil {
		e.adapter.Close()
		return fmt.Errorf("engine: listen: %w", err)
	}

	sweeper := cron.New(cron.WithParser(cronParser))
	if _, err := sweeper.AddFunc(e.sweepCron, func() { e.Sweep() }); err != nil {
		e.adapter.Close()
		return fmt.Errorf("engine: schedule sweep: %w", err)
	}
	sweeper.Start()

	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		e.consume(ctx)
	}()

	log.Info().Str("support", e.supportChannel).Str("manager", e.managerChannel).Msg("engine: running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("engine: shutting down")
			<-sweeper.Stop().Done()
			consumer.Wait()
			e.Shutdown()
			if err := e.adapter.Close(); err != nil {
				log.Error().Err(err).Msg("engine: close adapter")
			}
			return nil

		case evt, ok := <-events:
			if !ok {
				log.Warn().Msg("engine: chat event stream closed")
				cancel()
				<-sweeper.Stop().Done()
				consumer.Wait()
				e.Shutdown()
				return nil
			}
			e.HandleEvent(ctx, evt)
		}
	}
}

// Shutdown cancels every reminder and deadline task and waits for them to
// exit. Items registered afterwards get no tasks.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.stopping = true
	for _, it := range e.items {
		it.cancelReminder()
		it.cancelDeadline()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// consume delivers requests left over from a previous run, then queued
// requests until ctx is cancelled.
func (e *Engine) consume(ctx context.Context) {
	e.resume(ctx)
	for {
		req, ok := e.queue.Dequeue(ctx, e.dequeueWait)
		if ctx.Err() != nil {
			return
		}
		if ok {
			e.Deliver(ctx, req)
		}
	}
}

// HandleEvent dispatches one chat event. Events are handled one at a time
// by Run; concurrent callers are safe.
func (e *Engine) HandleEvent(ctx context.Context, evt chat.Event) {
	switch ev := evt.(type) {
	case chat.TextMessage:
		e.handleText(ctx, ev)
	case chat.ButtonPress:
		e.handleButton(ctx, ev)
	case chat.SlashCommand:
		e.handleCommand(ctx, ev)
	}
}
