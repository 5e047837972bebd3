package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/onnwee/chat-relay/backend/bus"
	"github.com/onnwee/chat-relay/backend/platform"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

// deletionWebhookSchema validates payloads from the external deletion
// detector before they reach the bus. The detector's historical body is
// {telegram_msg_id, mapping_id}; the extended form names the platform and
// message id directly and may carry edits. Either a mapping_id or a
// (platform, message_id) pair must identify the affected message.
const deletionWebhookSchema = `{
  "type": "object",
  "properties": {
    "type": {"enum": ["message_deleted", "message_edited"]},
    "platform": {"enum": ["discord", "telegram", "twitch", "kick", "youtube"]},
    "mapping_id": {"type": "string"},
    "message_id": {"type": "string"},
    "telegram_msg_id": {"type": "integer"},
    "content": {"type": "string"},
    "timestamp": {"type": "integer"}
  },
  "anyOf": [
    {"required": ["mapping_id"]},
    {"required": ["platform", "message_id"]}
  ]
}`

var compileWebhookSchema = sync.OnceValue(func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deletionWebhookSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("deletion-webhook.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("deletion-webhook.json")
	if err != nil {
		panic(err)
	}
	return sch
})

const maxWebhookBody = 64 << 10

// HandleDeletionWebhook accepts deletion/edit notifications from the
// external detector and publishes them onto the event bus. The detector
// watches the platform_messages table out of band and posts here when it
// observes a removal the adapters missed.
func (h *Handlers) HandleDeletionWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&raw); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := compileWebhookSchema().Validate(doc); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("webhook payload rejected",
			slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "payload failed validation", http.StatusBadRequest)
		return
	}

	var payload struct {
		Type          string `json:"type"`
		Platform      string `json:"platform"`
		MappingID     string `json:"mapping_id"`
		MessageID     string `json:"message_id"`
		TelegramMsgID int64  `json:"telegram_msg_id"`
		Content       string `json:"content"`
		Timestamp     int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	// The legacy detector body names neither platform nor type; it reports
	// Telegram deletions.
	if payload.Platform == "" {
		payload.Platform = "telegram"
	}
	if payload.MessageID == "" && payload.TelegramMsgID != 0 {
		payload.MessageID = strconv.FormatInt(payload.TelegramMsgID, 10)
	}
	p, ok := platform.Parse(payload.Platform)
	if !ok {
		http.Error(w, "unknown platform", http.StatusBadRequest)
		return
	}
	evType := bus.MessageDeleted
	if payload.Type == "message_edited" {
		evType = bus.MessageEdited
	}
	ts := payload.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	h.eventBus.Publish(bus.Event{
		Type:      evType,
		MappingID: payload.MappingID,
		Platform:  p,
		MessageID: payload.MessageID,
		Content:   payload.Content,
		Timestamp: ts,
	})
	telemetry.WebhookEvents.Inc()

	// Acceptance does not imply the mapping resolved; unresolved events are
	// dropped downstream without error.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}
