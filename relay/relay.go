// Package relay implements the orchestration state machine at the heart of
// the service: it classifies every inbound event from any platform adapter
// or the event bus (self-echo, deletion, edit, reply, new message), keeps
// the identity store consistent, and fans the resulting action out to every
// other platform with per-leg fault isolation.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-relay/backend/bus"
	"github.com/onnwee/chat-relay/backend/config"
	"github.com/onnwee/chat-relay/backend/platform"
	"github.com/onnwee/chat-relay/backend/store"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

// primaryPlatforms are the legs the /health contract treats as required:
// with both connected the relay is at worst degraded.
var primaryPlatforms = []platform.Platform{platform.Discord, platform.Telegram}

// Options tunes relay policy; zero values fall back to defaults.
type Options struct {
	SendTimeout       time.Duration
	EchoCacheTTL      time.Duration
	EchoCacheSize     int
	RateLimitMessages int
	RateLimitWindow   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.EchoCacheTTL <= 0 {
		o.EchoCacheTTL = 10 * time.Minute
	}
	if o.EchoCacheSize <= 0 {
		o.EchoCacheSize = 200
	}
	if o.RateLimitMessages <= 0 {
		o.RateLimitMessages = 20
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = time.Minute
	}
	return o
}

// identified is implemented by adapters that can report the relay's own
// account id on their platform; it feeds the bot-identity echo fallback.
type identified interface {
	BotUserID() string
}

// queuedEvent is one unit of work on a per-origin queue. Exactly one field
// is set.
type queuedEvent struct {
	msg   *platform.CanonicalMessage
	del   *platform.DeleteEvent
	busEv *bus.Event
}

// Manager is the relay orchestrator. It is stateless between events apart
// from the rate-limit windows and the echo cache; everything durable lives
// in the identity store.
type Manager struct {
	st          store.Store
	cm          *config.ChannelMap
	eventBus    *bus.Bus
	limiter     *RateLimiter
	echo        *sentCache
	sendTimeout time.Duration

	mu       sync.Mutex
	adapters map[platform.Platform]platform.Adapter
	queues   map[platform.Platform]chan queuedEvent
	started  bool
}

const originQueueDepth = 256

// New builds a manager over the given store, channel map and event bus.
func New(st store.Store, cm *config.ChannelMap, eventBus *bus.Bus, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		st:          st,
		cm:          cm,
		eventBus:    eventBus,
		limiter:     NewRateLimiter(opts.RateLimitMessages, opts.RateLimitWindow),
		echo:        newSentCache(opts.EchoCacheTTL, opts.EchoCacheSize),
		sendTimeout: opts.SendTimeout,
		adapters:    make(map[platform.Platform]platform.Adapter),
		queues:      make(map[platform.Platform]chan queuedEvent),
	}
}

// Register wires an adapter's event callbacks into the manager's per-origin
// queue. Must be called before Start.
func (m *Manager) Register(a platform.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := a.Name()
	m.adapters[p] = a
	q := make(chan queuedEvent, originQueueDepth)
	m.queues[p] = q

	a.OnMessage(func(ctx context.Context, msg platform.CanonicalMessage) {
		select {
		case q <- queuedEvent{msg: &msg}:
		case <-ctx.Done():
		}
	})
	a.OnDelete(func(ctx context.Context, ev platform.DeleteEvent) {
		select {
		case q <- queuedEvent{del: &ev}:
		case <-ctx.Done():
		}
	})
}

// Start launches one worker per registered origin platform (preserving each
// platform's delivery order), the event-bus consumer, and the gauge
// refresher. Workers exit when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queues := make(map[platform.Platform]chan queuedEvent, len(m.queues))
	for p, q := range m.queues {
		queues[p] = q
	}
	m.mu.Unlock()

	for p, q := range queues {
		go m.runWorker(ctx, p, q)
	}
	go m.runBusConsumer(ctx)
	go m.runGaugeRefresher(ctx)
}

// runWorker drains one origin platform's queue sequentially. Edit and
// delete events depend on the preceding create having committed, so a
// single origin's events are never reordered.
func (m *Manager) runWorker(ctx context.Context, p platform.Platform, q chan queuedEvent) {
	slog.Info("relay worker started", slog.String("origin", string(p)), slog.String("component", "relay"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			telemetry.TimeFunc(telemetry.FanoutDuration, func() {
				switch {
				case ev.msg != nil:
					m.processMessage(ctx, *ev.msg)
				case ev.del != nil:
					m.processDelete(ctx, *ev.del)
				case ev.busEv != nil:
					m.processBusEvent(ctx, *ev.busEv)
				}
			})
		}
	}
}

// runBusConsumer routes external bus events onto the queue of the platform
// they concern, keeping them ordered relative to that platform's own event
// stream. Events for platforms without a registered adapter are processed
// inline.
func (m *Manager) runBusConsumer(ctx context.Context) {
	events, cancel := m.eventBus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.mu.Lock()
			q := m.queues[ev.Platform]
			m.mu.Unlock()
			if q == nil {
				m.processBusEvent(ctx, ev)
				continue
			}
			select {
			case q <- queuedEvent{busEv: &ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) runGaugeRefresher(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			for _, st := range m.Statuses() {
				if st.Connected {
					connected++
				}
			}
			telemetry.SetConnectedAdapters(connected)
			if n, err := m.st.CountMappings(ctx); err == nil {
				telemetry.SetTrackedMappings(n)
			}
		}
	}
}

func (m *Manager) adapter(p platform.Platform) platform.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[p]
}

// isSelfEcho decides whether an inbound event is the relay observing its
// own prior outbound send. Precedence: the sent-id cache (authoritative,
// written on every tracked outbound send), then the bot identity reported
// by the adapter. Content matching is deliberately not used.
func (m *Manager) isSelfEcho(msg platform.CanonicalMessage) bool {
	if m.echo.Contains(msg.Platform, msg.PlatformMessageID) {
		return true
	}
	a := m.adapter(msg.Platform)
	if a == nil {
		return false
	}
	id, ok := a.(identified)
	if !ok {
		return false
	}
	self := id.BotUserID()
	if self == "" {
		return false
	}
	// Twitch reports the bot's login rather than a numeric id, so the
	// author display name is accepted as a match too.
	return msg.AuthorID == self || strings.EqualFold(msg.Author, self)
}

// processMessage classifies one inbound message/edit event.
func (m *Manager) processMessage(ctx context.Context, msg platform.CanonicalMessage) {
	if m.isSelfEcho(msg) {
		telemetry.EchoesDropped.WithLabelValues(string(msg.Platform)).Inc()
		slog.Debug("dropped self-echo",
			slog.String("platform", string(msg.Platform)),
			slog.String("message_id", msg.PlatformMessageID),
			slog.String("component", "relay"))
		return
	}
	if msg.IsEdit {
		m.processEdit(ctx, msg)
		return
	}
	m.processNew(ctx, msg)
}

// processNew is the default classification: create the mapping, then fan
// out to every destination platform in the logical channel.
func (m *Manager) processNew(ctx context.Context, msg platform.CanonicalMessage) {
	logger := slog.Default().With(
		slog.String("origin", string(msg.Platform)),
		slog.String("origin_msg", msg.PlatformMessageID),
		slog.String("component", "relay"))

	logical, ok := m.cm.Lookup(msg.Platform, msg.ChannelID)
	if !ok {
		logger.Debug("channel not mapped, not relaying", slog.String("channel", msg.ChannelID))
		return
	}

	replyTargets := m.resolveReplyTargets(ctx, msg)
	plain := renderContent(msg, false)
	quoted := plain
	if msg.ReplyTo != nil {
		quoted = renderContent(msg, true)
	}
	stored := plain
	if replyTargets == nil {
		stored = quoted
	}

	// The mapping is created before any destination send so a crash
	// mid-fan-out still leaves a resolvable origin record.
	mappingID, err := m.st.CreateMapping(ctx, msg.Platform, msg.PlatformMessageID, stored)
	if errors.Is(err, store.ErrDuplicateOrigin) {
		telemetry.DuplicatesDropped.WithLabelValues(string(msg.Platform)).Inc()
		logger.Debug("origin message already relayed")
		return
	}
	if err != nil {
		logger.Error("create mapping failed", slog.Any("err", err))
		return
	}

	var (
		resMu     sync.Mutex
		delivered int
	)
	var g errgroup.Group
	for _, dest := range m.cm.Destinations(logical, msg.Platform) {
		a := m.adapter(dest.Platform)
		if a == nil {
			continue
		}
		if !m.limiter.Admit(dest.Platform) {
			telemetry.RateLimited.WithLabelValues(string(dest.Platform)).Inc()
			logger.Warn("rate limited, dropping leg", slog.String("destination", string(dest.Platform)))
			continue
		}
		dest := dest
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
			defer cancel()
			// A destination with no native copy of the replied-to message
			// gets the quoted fallback instead of a bare reply-less send.
			replyID := replyTargets[dest.Platform]
			content := plain
			if replyID == "" {
				content = quoted
			}
			id, err := a.SendMessage(cctx, content, msg.Attachments, platform.SendOptions{
				ChannelID: dest.NativeID,
				ReplyToID: replyID,
			})
			if err != nil {
				telemetry.SendSoftFailures.WithLabelValues(string(dest.Platform)).Inc()
				logger.Warn("send failed", slog.String("destination", string(dest.Platform)), slog.Any("err", err))
				return nil // leg failure never fails the fan-out
			}
			if id == "" {
				// Soft fail or delivered-without-id; either way there is
				// nothing to track for this platform.
				logger.Debug("send produced no tracked id", slog.String("destination", string(dest.Platform)))
				return nil
			}
			m.echo.Add(dest.Platform, id)
			if err := m.st.AddPlatformMessage(ctx, mappingID, dest.Platform, id); err != nil {
				logger.Error("record platform message failed", slog.String("destination", string(dest.Platform)), slog.Any("err", err))
				return nil
			}
			resMu.Lock()
			delivered++
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	telemetry.MessagesRelayed.WithLabelValues(string(msg.Platform)).Inc()
	logger.Info("message relayed",
		slog.String("mapping_id", mappingID),
		slog.String("channel", logical),
		slog.Int("delivered", delivered))
}

// processEdit propagates an edit to every destination copy. An edit to an
// untracked message cannot be correlated and falls back to relaying it as
// new.
func (m *Manager) processEdit(ctx context.Context, msg platform.CanonicalMessage) {
	logger := slog.Default().With(
		slog.String("origin", string(msg.Platform)),
		slog.String("origin_msg", msg.OriginalMessageID),
		slog.String("component", "relay"))

	origID := msg.OriginalMessageID
	if origID == "" {
		origID = msg.PlatformMessageID
	}
	mappingID, err := m.st.ResolveMapping(ctx, msg.Platform, origID)
	if err != nil {
		logger.Error("resolve mapping failed", slog.Any("err", err))
		return
	}
	if mappingID == "" {
		logger.Debug("edit of untracked message, relaying as new")
		msg.IsEdit = false
		msg.OriginalMessageID = ""
		m.processNew(ctx, msg)
		return
	}

	rendered := renderContent(msg, false)
	if err := m.st.UpdateContent(ctx, mappingID, rendered); err != nil {
		logger.Error("update content failed", slog.Any("err", err))
	}
	m.fanOutEdit(ctx, mappingID, msg.Platform, rendered, logger)
	telemetry.EditsPropagated.WithLabelValues(string(msg.Platform)).Inc()
}

// fanOutEdit calls EditMessage on every tracked copy except the origin's.
// A false return is a soft failure (edit window, foreign message), recorded
// and not retried.
func (m *Manager) fanOutEdit(ctx context.Context, mappingID string, origin platform.Platform, content string, logger *slog.Logger) {
	pms, err := m.st.PlatformMessages(ctx, mappingID)
	if err != nil {
		logger.Error("list platform messages failed", slog.Any("err", err))
		return
	}
	var g errgroup.Group
	for _, pm := range pms {
		if pm.Platform == origin {
			continue
		}
		a := m.adapter(pm.Platform)
		if a == nil {
			continue
		}
		pm := pm
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
			defer cancel()
			ok, err := a.EditMessage(cctx, pm.MessageID, content)
			if err != nil {
				telemetry.SendSoftFailures.WithLabelValues(string(pm.Platform)).Inc()
				logger.Warn("edit failed", slog.String("destination", string(pm.Platform)), slog.Any("err", err))
				return nil
			}
			if !ok {
				telemetry.SendSoftFailures.WithLabelValues(string(pm.Platform)).Inc()
				logger.Debug("edit not applied", slog.String("destination", string(pm.Platform)), slog.String("message_id", pm.MessageID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processDelete handles a native deletion event from an adapter.
func (m *Manager) processDelete(ctx context.Context, ev platform.DeleteEvent) {
	logger := slog.Default().With(
		slog.String("origin", string(ev.Platform)),
		slog.String("origin_msg", ev.PlatformMessageID),
		slog.String("component", "relay"))

	mappingID, err := m.st.ResolveMapping(ctx, ev.Platform, ev.PlatformMessageID)
	if err != nil {
		logger.Error("resolve mapping failed", slog.Any("err", err))
		return
	}
	if mappingID == "" {
		logger.Debug("deletion of untracked message, ignoring")
		return
	}
	m.propagateDelete(ctx, mappingID, ev.Platform, logger)
}

// propagateDelete marks the mapping deleted and fans the deletion out to
// every other platform's copy. Duplicate notifications are absorbed by the
// idempotent MarkDeleted transition.
func (m *Manager) propagateDelete(ctx context.Context, mappingID string, origin platform.Platform, logger *slog.Logger) {
	transitioned, err := m.st.MarkDeleted(ctx, mappingID)
	if err != nil {
		logger.Error("mark deleted failed", slog.Any("err", err))
		return
	}
	if !transitioned {
		logger.Debug("mapping already deleted, ignoring duplicate", slog.String("mapping_id", mappingID))
		return
	}

	pms, err := m.st.PlatformMessages(ctx, mappingID)
	if err != nil {
		logger.Error("list platform messages failed", slog.Any("err", err))
		return
	}
	var g errgroup.Group
	for _, pm := range pms {
		if pm.Platform == origin {
			continue
		}
		a := m.adapter(pm.Platform)
		if a == nil {
			continue
		}
		pm := pm
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
			defer cancel()
			ok, err := a.DeleteMessage(cctx, pm.MessageID, "")
			if err != nil {
				telemetry.SendSoftFailures.WithLabelValues(string(pm.Platform)).Inc()
				logger.Warn("delete failed", slog.String("destination", string(pm.Platform)), slog.Any("err", err))
				return nil
			}
			if !ok {
				telemetry.SendSoftFailures.WithLabelValues(string(pm.Platform)).Inc()
				logger.Debug("delete not applied", slog.String("destination", string(pm.Platform)), slog.String("message_id", pm.MessageID))
			}
			return nil
		})
	}
	_ = g.Wait()

	telemetry.DeletesPropagated.WithLabelValues(string(origin)).Inc()
	logger.Info("deletion propagated", slog.String("mapping_id", mappingID))
}

// processBusEvent handles deletion/edit notifications from the external
// detector. The payload may carry the mapping id directly, the platform
// message id, or both; resolution prefers the explicit mapping id.
func (m *Manager) processBusEvent(ctx context.Context, ev bus.Event) {
	logger := slog.Default().With(
		slog.String("origin", string(ev.Platform)),
		slog.String("mapping_id", ev.MappingID),
		slog.String("component", "relay"))

	mappingID := ev.MappingID
	if mappingID != "" {
		mp, err := m.st.GetMapping(ctx, mappingID)
		if err != nil {
			logger.Error("get mapping failed", slog.Any("err", err))
			return
		}
		if mp == nil {
			logger.Debug("bus event for unknown mapping, ignoring")
			return
		}
	} else if ev.MessageID != "" {
		var err error
		mappingID, err = m.st.ResolveMapping(ctx, ev.Platform, ev.MessageID)
		if err != nil {
			logger.Error("resolve mapping failed", slog.Any("err", err))
			return
		}
	}
	if mappingID == "" {
		logger.Debug("bus event did not resolve to a mapping, ignoring")
		return
	}

	switch ev.Type {
	case bus.MessageDeleted:
		m.propagateDelete(ctx, mappingID, ev.Platform, logger)
	case bus.MessageEdited:
		if ev.Content != "" {
			if err := m.st.UpdateContent(ctx, mappingID, ev.Content); err != nil {
				logger.Error("update content failed", slog.Any("err", err))
			}
			m.fanOutEdit(ctx, mappingID, ev.Platform, ev.Content, logger)
			telemetry.EditsPropagated.WithLabelValues(string(ev.Platform)).Inc()
		}
	default:
		logger.Debug("unknown bus event type", slog.String("type", string(ev.Type)))
	}
}

// resolveReplyTargets maps a reply reference to the native id of the
// replied-to message on every platform it was relayed to. A nil map means
// the reference could not be resolved (or there was none) and the rendered
// content should quote the referenced text instead.
func (m *Manager) resolveReplyTargets(ctx context.Context, msg platform.CanonicalMessage) map[platform.Platform]string {
	if msg.ReplyTo == nil {
		return nil
	}
	origin := msg.ReplyTo.OriginPlatform
	if origin == "" {
		origin = msg.Platform
	}
	mappingID, err := m.st.ResolveMapping(ctx, origin, msg.ReplyTo.PlatformMessageID)
	if err != nil || mappingID == "" {
		return nil
	}
	pms, err := m.st.PlatformMessages(ctx, mappingID)
	if err != nil {
		return nil
	}
	targets := make(map[platform.Platform]string, len(pms))
	for _, pm := range pms {
		targets[pm.Platform] = pm.MessageID
	}
	return targets
}

// renderContent produces the relayed text: the author prefix plus content,
// with an inline quote of the replied-to message when native reply context
// could not be resolved.
func renderContent(msg platform.CanonicalMessage, quoteReply bool) string {
	var b strings.Builder
	if quoteReply && msg.ReplyTo != nil {
		snippet := msg.ReplyTo.Content
		if r := []rune(snippet); len(r) > 80 {
			snippet = string(r[:77]) + "..."
		}
		fmt.Fprintf(&b, "> %s: %s\n", msg.ReplyTo.Author, snippet)
	}
	if msg.Author != "" {
		fmt.Fprintf(&b, "%s: %s", msg.Author, msg.Content)
	} else {
		b.WriteString(msg.Content)
	}
	return strings.TrimRight(b.String(), " ")
}

// Statuses returns every registered adapter's observability snapshot.
func (m *Manager) Statuses() []platform.Status {
	m.mu.Lock()
	adapters := make([]platform.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()
	out := make([]platform.Status, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status())
	}
	return out
}

// Health summarizes overall relay health for the process-level /health
// contract: healthy when every registered adapter is connected, degraded
// when at least the primary platforms are, unhealthy otherwise.
func (m *Manager) Health() string {
	statuses := m.Statuses()
	if len(statuses) == 0 {
		return "unhealthy"
	}
	connected := make(map[platform.Platform]bool, len(statuses))
	all := true
	for _, st := range statuses {
		connected[st.Platform] = st.Connected
		if !st.Connected {
			all = false
		}
	}
	if all {
		return "healthy"
	}
	for _, p := range primaryPlatforms {
		if !connected[p] {
			return "unhealthy"
		}
	}
	return "degraded"
}

// EchoCacheLen exposes the echo cache size for the status endpoint.
func (m *Manager) EchoCacheLen() int { return m.echo.Len() }
