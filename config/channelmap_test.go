package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/chat-relay/backend/platform"
)

func writeChannelMap(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadChannelMapFromFile(t *testing.T) {
	path := writeChannelMap(t, `
channels:
  general:
    Discord: "111"
    Telegram: null
    Twitch: "somechannel"
  food:
    Discord: "222"
    Telegram: "412"
`)
	cm, err := LoadChannelMap(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if logical, ok := cm.Lookup(platform.Discord, "222"); !ok || logical != "food" {
		t.Errorf("lookup discord 222 = %q, %v", logical, ok)
	}
	// Telegram null id: any native id falls back to the default channel.
	if logical, ok := cm.Lookup(platform.Telegram, "whatever"); !ok || logical != "general" {
		t.Errorf("telegram fallback = %q, %v", logical, ok)
	}
	// Platform not mentioned anywhere is not relay-eligible.
	if _, ok := cm.Lookup(platform.Kick, "42"); ok {
		t.Error("unmapped platform resolved")
	}

	dests := cm.Destinations("food", platform.Discord)
	if len(dests) != 1 || dests[0].Platform != platform.Telegram || dests[0].NativeID != "412" {
		t.Errorf("food destinations = %+v", dests)
	}

	// Origin exclusion.
	for _, d := range cm.Destinations("general", platform.Twitch) {
		if d.Platform == platform.Twitch {
			t.Error("origin platform in destinations")
		}
	}
}

func TestLoadChannelMapRejectsUnknownPlatform(t *testing.T) {
	path := writeChannelMap(t, `
channels:
  general:
    Mastodon: "1"
`)
	if _, err := LoadChannelMap(path, nil); err == nil {
		t.Fatal("unknown platform accepted")
	}
}

func TestLoadChannelMapRejectsEmptyFile(t *testing.T) {
	path := writeChannelMap(t, "channels: {}\n")
	if _, err := LoadChannelMap(path, nil); err == nil {
		t.Fatal("empty channel map accepted")
	}
}

func TestDefaultChannelMapCoversEnabledPlatforms(t *testing.T) {
	cfg := &Config{
		DiscordChannelID:  "111",
		TelegramGroupID:   5,
		TelegramTopicID:   7,
		TwitchBotUsername: "bot",
		TwitchOAuthToken:  "oauth:x",
		TwitchChannel:     "chan",
	}
	cm, err := LoadChannelMap("", cfg)
	if err != nil {
		t.Fatal(err)
	}

	if logical, ok := cm.Lookup(platform.Discord, "111"); !ok || logical != "general" {
		t.Errorf("discord lookup = %q, %v", logical, ok)
	}
	if got := cm.NativeID("general", platform.Telegram); got != "7" {
		t.Errorf("telegram topic = %q", got)
	}
	dests := cm.Destinations("general", platform.Discord)
	if len(dests) != 2 {
		t.Fatalf("destinations = %+v, want telegram+twitch", dests)
	}
	// YouTube not configured, so it never appears.
	for _, d := range dests {
		if d.Platform == platform.YouTube {
			t.Error("disabled platform in destinations")
		}
	}
}
