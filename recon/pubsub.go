package recon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId uint `json:"run_id"`
}

func PublishSyncRun(ctx context.Context, runId uint) error {
	topicName := strings.TrimSpace(os.Getenv("RECON_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "recon-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("RECON_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{RunId: runId}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts the Pub/Sub push envelope and processes the
// referenced run. Always 204: Pub/Sub retries on anything else, and
// ProcessSyncRun is idempotent for terminal runs.
func PubSubPushHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_RECON_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 {
			c.Status(204)
			return
		}

		_ = engine.ProcessSyncRun(c.Request.Context(), payload.RunId)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
