package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/chat-relay/backend/platform"
)

// ChannelMap maps logical channel names to per-platform native channel or
// topic identifiers. A platform key being present means that platform
// participates in the logical channel; a null value means "no specific
// topic, use the platform's default destination". The map is loaded once at
// startup and never mutated afterwards; restart to pick up changes.
//
// YAML shape:
//
//	channels:
//	  general:
//	    Discord: "123456789"
//	    Telegram: null
//	    Twitch: "somechannel"
//	  food:
//	    Discord: "987654321"
//	    Telegram: "412"
type ChannelMap struct {
	channels map[string]map[platform.Platform]string // logical -> platform -> native id ("" = default)
	reverse  map[platform.Platform]map[string]string // platform -> native id -> logical
	fallback map[platform.Platform]string            // platform -> logical channel with null/default id
}

type channelMapFile struct {
	Channels map[string]map[string]*string `yaml:"channels"`
}

// Destination is one fan-out target: a platform plus the native channel or
// topic id to address there ("" = platform default).
type Destination struct {
	Platform platform.Platform
	NativeID string
}

// LoadChannelMap parses the YAML channel-map file. When path is empty a
// single implicit "general" channel covering the enabled platforms is
// built from cfg so minimal deployments need no file at all.
func LoadChannelMap(path string, cfg *Config) (*ChannelMap, error) {
	if path == "" {
		return defaultChannelMap(cfg), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel map %s: %w", path, err)
	}
	var file channelMapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse channel map %s: %w", path, err)
	}
	if len(file.Channels) == 0 {
		return nil, fmt.Errorf("channel map %s defines no channels", path)
	}
	cm := newChannelMap()
	for logical, platforms := range file.Channels {
		for name, id := range platforms {
			p := platform.Platform(name)
			if !p.Valid() {
				return nil, fmt.Errorf("channel map %s: channel %q references unknown platform %q", path, logical, name)
			}
			native := ""
			if id != nil {
				native = *id
			}
			cm.add(logical, p, native)
		}
	}
	return cm, nil
}

func newChannelMap() *ChannelMap {
	return &ChannelMap{
		channels: make(map[string]map[platform.Platform]string),
		reverse:  make(map[platform.Platform]map[string]string),
		fallback: make(map[platform.Platform]string),
	}
}

func (cm *ChannelMap) add(logical string, p platform.Platform, nativeID string) {
	if cm.channels[logical] == nil {
		cm.channels[logical] = make(map[platform.Platform]string)
	}
	cm.channels[logical][p] = nativeID
	if nativeID == "" {
		cm.fallback[p] = logical
		return
	}
	if cm.reverse[p] == nil {
		cm.reverse[p] = make(map[string]string)
	}
	cm.reverse[p][nativeID] = logical
}

func defaultChannelMap(cfg *Config) *ChannelMap {
	cm := newChannelMap()
	cm.add("general", platform.Discord, cfg.DiscordChannelID)
	topic := ""
	if cfg.TelegramTopicID != 0 {
		topic = fmt.Sprintf("%d", cfg.TelegramTopicID)
	}
	cm.add("general", platform.Telegram, topic)
	if cfg.TwitchEnabled() {
		cm.add("general", platform.Twitch, cfg.TwitchChannel)
	}
	if cfg.KickEnabled() {
		cm.add("general", platform.Kick, cfg.KickChatroomID)
	}
	if cfg.YouTubeEnabled() {
		cm.add("general", platform.YouTube, cfg.YouTubeLiveChatID)
	}
	return cm
}

// Lookup resolves an inbound (platform, native channel) pair to its logical
// channel. Falls back to the platform's default-channel entry when no exact
// native id matches; ok is false when the platform has no mapping at all, in
// which case the message is not eligible for relay.
func (cm *ChannelMap) Lookup(p platform.Platform, nativeID string) (string, bool) {
	if byID, ok := cm.reverse[p]; ok {
		if logical, ok := byID[nativeID]; ok {
			return logical, true
		}
	}
	if logical, ok := cm.fallback[p]; ok {
		return logical, true
	}
	return "", false
}

// Destinations returns the fan-out targets for a logical channel, excluding
// the origin platform.
func (cm *ChannelMap) Destinations(logical string, origin platform.Platform) []Destination {
	entry, ok := cm.channels[logical]
	if !ok {
		return nil
	}
	out := make([]Destination, 0, len(entry))
	for p, nativeID := range entry {
		if p == origin {
			continue
		}
		out = append(out, Destination{Platform: p, NativeID: nativeID})
	}
	return out
}

// NativeID returns the configured native id of a platform inside a logical
// channel ("" when null/default or absent).
func (cm *ChannelMap) NativeID(logical string, p platform.Platform) string {
	return cm.channels[logical][p]
}

// Logical lists all logical channel names (for status reporting).
func (cm *ChannelMap) Logical() []string {
	out := make([]string, 0, len(cm.channels))
	for name := range cm.channels {
		out = append(out, name)
	}
	return out
}
