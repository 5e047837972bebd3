package relay

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/onnwee/chat-relay/backend/bus"
	"github.com/onnwee/chat-relay/backend/config"
	"github.com/onnwee/chat-relay/backend/platform"
	"github.com/onnwee/chat-relay/backend/store"
	"github.com/onnwee/chat-relay/backend/testutil"
)

type fixture struct {
	manager  *Manager
	st       *store.MemoryStore
	eventBus *bus.Bus
	discord  *testutil.FakeAdapter
	telegram *testutil.FakeAdapter
	twitch   *testutil.FakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		DiscordBotToken:   "x",
		DiscordChannelID:  "disc-chan",
		TelegramBotToken:  "x",
		TelegramGroupID:   100,
		TwitchBotUsername: "relaybot",
		TwitchOAuthToken:  "oauth:x",
		TwitchChannel:     "somechannel",
	}
	cm, err := config.LoadChannelMap("", cfg)
	if err != nil {
		t.Fatalf("load channel map: %v", err)
	}
	st := store.NewMemory()
	eventBus := bus.New()
	t.Cleanup(eventBus.Close)

	m := New(st, cm, eventBus, Options{SendTimeout: time.Second})
	f := &fixture{
		manager:  m,
		st:       st,
		eventBus: eventBus,
		discord:  testutil.NewFakeAdapter(platform.Discord),
		telegram: testutil.NewFakeAdapter(platform.Telegram),
		twitch:   testutil.NewFakeAdapter(platform.Twitch),
	}
	f.discord.SelfID = "relay-bot-discord"
	f.telegram.SelfID = "relay-bot-telegram"
	m.Register(f.discord)
	m.Register(f.telegram)
	m.Register(f.twitch)
	return f
}

func inbound(p platform.Platform, id, author, content string) platform.CanonicalMessage {
	return platform.CanonicalMessage{
		Platform:          p,
		PlatformMessageID: id,
		Author:            author,
		AuthorID:          author + "-id",
		Content:           content,
		Timestamp:         time.Now(),
	}
}

func TestNewMessageFansOutToAllOtherPlatforms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	if got := len(f.discord.Sent()); got != 0 {
		t.Fatalf("origin platform received %d sends, want 0", got)
	}
	if got := len(f.telegram.Sent()); got != 1 {
		t.Fatalf("telegram got %d sends, want 1", got)
	}
	if got := len(f.twitch.Sent()); got != 1 {
		t.Fatalf("twitch got %d sends, want 1", got)
	}
	sent := f.telegram.Sent()[0]
	if sent.Content != "alice: hello" {
		t.Errorf("relayed content = %q, want %q", sent.Content, "alice: hello")
	}

	// One mapping, with origin + two destination rows in the reverse index.
	mid, err := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	if err != nil || mid == "" {
		t.Fatalf("origin not resolvable: id=%q err=%v", mid, err)
	}
	pms, err := f.st.PlatformMessages(ctx, mid)
	if err != nil {
		t.Fatal(err)
	}
	if len(pms) != 3 {
		t.Fatalf("platform messages = %d, want 3", len(pms))
	}
}

func TestDuplicateOriginEventRelayedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := inbound(platform.Discord, "d1", "alice", "hello")
	f.manager.processMessage(ctx, msg)
	f.manager.processMessage(ctx, msg)

	if got := len(f.telegram.Sent()); got != 1 {
		t.Fatalf("telegram got %d sends after duplicate event, want 1", got)
	}
}

func TestSelfEchoDroppedViaSentCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))
	telegramID := ""
	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	pms, _ := f.st.PlatformMessages(ctx, mid)
	for _, pm := range pms {
		if pm.Platform == platform.Telegram {
			telegramID = pm.MessageID
		}
	}
	if telegramID == "" {
		t.Fatal("no telegram copy recorded")
	}

	// Telegram echoes our own send back as a regular inbound message.
	echo := inbound(platform.Telegram, telegramID, "relaybot", "alice: hello")
	f.manager.processMessage(ctx, echo)

	if got := len(f.discord.Sent()); got != 0 {
		t.Fatalf("echo was relayed back to discord (%d sends)", got)
	}
	if got := len(f.twitch.Sent()); got != 1 {
		t.Fatalf("echo caused extra twitch send (total %d, want 1)", got)
	}
}

func TestSelfEchoDroppedViaBotIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unknown message id (cache cold, e.g. after restart) but authored by
	// the relay's own account.
	echo := platform.CanonicalMessage{
		Platform:          platform.Telegram,
		PlatformMessageID: "t-unknown",
		Author:            "relaybot",
		AuthorID:          "relay-bot-telegram",
		Content:           "alice: hello",
	}
	f.manager.processMessage(ctx, echo)

	if got := len(f.discord.Sent()); got != 0 {
		t.Fatalf("bot-authored message was relayed (%d sends)", got)
	}
}

func TestDeletePropagatesToOtherPlatformsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	del := platform.DeleteEvent{Platform: platform.Discord, PlatformMessageID: "d1"}
	f.manager.processDelete(ctx, del)

	if got := len(f.telegram.Deletes()); got != 1 {
		t.Fatalf("telegram deletes = %d, want 1", got)
	}
	if got := len(f.twitch.Deletes()); got != 1 {
		t.Fatalf("twitch deletes = %d, want 1", got)
	}
	if got := len(f.discord.Deletes()); got != 0 {
		t.Fatalf("origin platform got %d delete calls, want 0", got)
	}

	// The cascading deletion events from destinations must not re-propagate.
	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	pms, _ := f.st.PlatformMessages(ctx, mid)
	for _, pm := range pms {
		f.manager.processDelete(ctx, platform.DeleteEvent{Platform: pm.Platform, PlatformMessageID: pm.MessageID})
	}
	if got := len(f.telegram.Deletes()); got != 1 {
		t.Fatalf("duplicate deletion propagated again (telegram deletes = %d)", got)
	}
}

func TestDeleteOfUntrackedMessageIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processDelete(ctx, platform.DeleteEvent{Platform: platform.Discord, PlatformMessageID: "never-seen"})

	if got := len(f.telegram.Deletes()) + len(f.twitch.Deletes()); got != 0 {
		t.Fatalf("untracked deletion produced %d delete calls", got)
	}
}

func TestEditPropagatesToDestinations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	edit := inbound(platform.Discord, "d1-rev2", "alice", "hello, edited")
	edit.IsEdit = true
	edit.OriginalMessageID = "d1"
	f.manager.processMessage(ctx, edit)

	edits := f.telegram.Edits()
	if len(edits) != 1 {
		t.Fatalf("telegram edits = %d, want 1", len(edits))
	}
	if edits[0].Content != "alice: hello, edited" {
		t.Errorf("edited content = %q", edits[0].Content)
	}

	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	mp, err := f.st.GetMapping(ctx, mid)
	if err != nil || mp == nil {
		t.Fatalf("mapping lost after edit: %v", err)
	}
	if mp.Content != "alice: hello, edited" {
		t.Errorf("stored content = %q", mp.Content)
	}
}

func TestEditOfUntrackedMessageRelayedAsNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	edit := inbound(platform.Discord, "d9", "alice", "surprise edit")
	edit.IsEdit = true
	edit.OriginalMessageID = "d-long-gone"
	f.manager.processMessage(ctx, edit)

	if got := len(f.telegram.Sent()); got != 1 {
		t.Fatalf("fallback relay sends = %d, want 1", got)
	}
	if got := len(f.telegram.Edits()); got != 0 {
		t.Fatalf("fallback produced %d edit calls, want 0", got)
	}
}

func TestPartialSendFailureDoesNotAbortFanout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.telegram.SendFunc = func(context.Context, string, []platform.Attachment, platform.SendOptions) (string, error) {
		return "", context.DeadlineExceeded
	}
	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	if got := len(f.twitch.Sent()); got != 1 {
		t.Fatalf("healthy leg got %d sends despite sibling failure, want 1", got)
	}
	// The mapping still exists and records the legs that did succeed.
	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	if mid == "" {
		t.Fatal("mapping missing after partial failure")
	}
	pms, _ := f.st.PlatformMessages(ctx, mid)
	for _, pm := range pms {
		if pm.Platform == platform.Telegram {
			t.Fatal("failed leg must not be recorded in the reverse index")
		}
	}
}

func TestUntrackedSendIDNotRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Twitch never reports an id for sent messages.
	f.twitch.SendFunc = func(context.Context, string, []platform.Attachment, platform.SendOptions) (string, error) {
		return "", nil
	}
	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	pms, _ := f.st.PlatformMessages(ctx, mid)
	for _, pm := range pms {
		if pm.Platform == platform.Twitch {
			t.Fatal("empty send id must stay out of the reverse index")
		}
	}
}

func TestReplyResolvedToNativeIDPerDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "original"))
	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")
	pms, _ := f.st.PlatformMessages(ctx, mid)
	telegramCopy := ""
	for _, pm := range pms {
		if pm.Platform == platform.Telegram {
			telegramCopy = pm.MessageID
		}
	}

	reply := inbound(platform.Discord, "d2", "bob", "replying")
	reply.ReplyTo = &platform.ReplyRef{PlatformMessageID: "d1", Author: "alice", Content: "original"}
	f.manager.processMessage(ctx, reply)

	sends := f.telegram.Sent()
	if len(sends) != 2 {
		t.Fatalf("telegram sends = %d, want 2", len(sends))
	}
	if sends[1].Opts.ReplyToID != telegramCopy {
		t.Errorf("reply target = %q, want native telegram copy %q", sends[1].Opts.ReplyToID, telegramCopy)
	}
	if strings.Contains(sends[1].Content, "> alice") {
		t.Error("resolved reply must not carry the quoted fallback")
	}
}

func TestUnresolvableReplyDegradesToQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := inbound(platform.Discord, "d2", "bob", "replying")
	reply.ReplyTo = &platform.ReplyRef{PlatformMessageID: "gone", Author: "alice", Content: "original text"}
	f.manager.processMessage(ctx, reply)

	sends := f.telegram.Sent()
	if len(sends) != 1 {
		t.Fatalf("telegram sends = %d, want 1", len(sends))
	}
	if sends[0].Opts.ReplyToID != "" {
		t.Errorf("unresolvable reply produced native target %q", sends[0].Opts.ReplyToID)
	}
	if !strings.HasPrefix(sends[0].Content, "> alice: original text\n") {
		t.Errorf("missing quoted fallback, content = %q", sends[0].Content)
	}
}

func TestReplyQuoteFallbackPerDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The original's Twitch copy is untracked (no id reported), so the
	// mapping resolves but has no Twitch row.
	f.twitch.SendFunc = func(context.Context, string, []platform.Attachment, platform.SendOptions) (string, error) {
		return "", nil
	}
	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "original"))
	f.twitch.SendFunc = nil

	reply := inbound(platform.Discord, "d2", "bob", "replying")
	reply.ReplyTo = &platform.ReplyRef{PlatformMessageID: "d1", Author: "alice", Content: "original"}
	f.manager.processMessage(ctx, reply)

	// Telegram has a native copy: native reply, no quote.
	tg := f.telegram.Sent()
	if len(tg) != 2 {
		t.Fatalf("telegram sends = %d, want 2", len(tg))
	}
	if tg[1].Opts.ReplyToID == "" || strings.Contains(tg[1].Content, "> alice") {
		t.Errorf("telegram leg = {reply %q, content %q}, want native reply without quote", tg[1].Opts.ReplyToID, tg[1].Content)
	}

	// Twitch has no native copy: quoted fallback, no reply id.
	tw := f.twitch.Sent()
	if len(tw) != 2 {
		t.Fatalf("twitch sends = %d, want 2", len(tw))
	}
	if tw[1].Opts.ReplyToID != "" {
		t.Errorf("twitch leg got reply target %q for a copy it never had", tw[1].Opts.ReplyToID)
	}
	if !strings.HasPrefix(tw[1].Content, "> alice: original\n") {
		t.Errorf("twitch leg missing quoted fallback, content = %q", tw[1].Content)
	}
}

func TestRateLimitSkipsLegOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.limiter = NewRateLimiter(1, time.Minute)

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "one"))
	f.manager.processMessage(ctx, inbound(platform.Discord, "d2", "alice", "two"))

	if got := len(f.telegram.Sent()); got != 1 {
		t.Fatalf("telegram sends = %d, want 1 (second leg limited)", got)
	}
	// The second message is still tracked even though its legs were limited.
	if mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d2"); mid == "" {
		t.Fatal("rate-limited message lost its mapping")
	}
}

func TestBusDeletionEventPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))
	mid, _ := f.st.ResolveMapping(ctx, platform.Discord, "d1")

	f.manager.processBusEvent(ctx, bus.Event{
		Type:      bus.MessageDeleted,
		MappingID: mid,
		Platform:  platform.Discord,
	})

	if got := len(f.telegram.Deletes()); got != 1 {
		t.Fatalf("telegram deletes = %d, want 1", got)
	}

	// Same event again is a no-op.
	f.manager.processBusEvent(ctx, bus.Event{Type: bus.MessageDeleted, MappingID: mid, Platform: platform.Discord})
	if got := len(f.telegram.Deletes()); got != 1 {
		t.Fatalf("duplicate bus deletion propagated (deletes = %d)", got)
	}
}

func TestBusEventResolvesByMessageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.processMessage(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	f.manager.processBusEvent(ctx, bus.Event{
		Type:      bus.MessageDeleted,
		Platform:  platform.Discord,
		MessageID: "d1",
	})
	if got := len(f.telegram.Deletes()); got != 1 {
		t.Fatalf("telegram deletes = %d, want 1", got)
	}
}

func TestHealthStates(t *testing.T) {
	f := newFixture(t)

	if got := f.manager.Health(); got != "healthy" {
		t.Fatalf("all connected: health = %q", got)
	}
	f.twitch.SetConnected(false)
	if got := f.manager.Health(); got != "degraded" {
		t.Fatalf("secondary down: health = %q", got)
	}
	f.telegram.SetConnected(false)
	if got := f.manager.Health(); got != "unhealthy" {
		t.Fatalf("primary down: health = %q", got)
	}
}

func TestWorkerProcessesQueuedEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)

	f.discord.Deliver(ctx, inbound(platform.Discord, "d1", "alice", "hello"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.telegram.Sent()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queued message never relayed (telegram sends = %d)", len(f.telegram.Sent()))
}

func TestRenderContent(t *testing.T) {
	msg := platform.CanonicalMessage{Author: "alice", Content: "hi"}
	if got := renderContent(msg, false); got != "alice: hi" {
		t.Errorf("renderContent = %q", got)
	}
	long := strings.Repeat("x", 200)
	msg.ReplyTo = &platform.ReplyRef{Author: "bob", Content: long}
	got := renderContent(msg, true)
	if !strings.HasPrefix(got, "> bob: ") || !strings.Contains(got, "...") {
		t.Errorf("long quote not truncated: %q", got)
	}

	// Truncation lands on rune boundaries, never mid-sequence.
	msg.ReplyTo = &platform.ReplyRef{Author: "bob", Content: strings.Repeat("é", 200)}
	got = renderContent(msg, true)
	if !utf8.ValidString(got) {
		t.Errorf("truncated quote is not valid UTF-8: %q", got)
	}
	if !strings.Contains(got, strings.Repeat("é", 77)+"...") {
		t.Errorf("rune truncation = %q", got)
	}
}
