package queue

import (
	"maps"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"gocloud.dev/pubsub"

	"github.com/pitabwire/qbatch/batch"
)

// MetadataMessageID is the metadata key holding a publisher assigned message id.
const MetadataMessageID = "message_id"

// toBatch converts transport messages into a batch keeping their order.
// Ids come from the message_id metadata, then the driver id, and are generated when neither is usable.
func toBatch(msgs []*pubsub.Message, receiveCountKey string) batch.Batch {
	b := make(batch.Batch, len(msgs))
	used := make(map[string]struct{}, len(msgs))

	for i, msg := range msgs {
		id := strings.TrimSpace(msg.Metadata[MetadataMessageID])
		if id == "" {
			id = msg.LoggableID
		}
		if _, dup := used[id]; id == "" || dup {
			id = xid.New().String()
		}
		used[id] = struct{}{}

		b[i] = batch.Message{
			ID:           id,
			Body:         string(msg.Body),
			ReceiveCount: receiveCount(msg.Metadata, receiveCountKey),
			Attributes:   maps.Clone(msg.Metadata),
		}
	}

	return b
}

func receiveCount(metadata map[string]string, key string) int {
	if key == "" {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(metadata[key]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
