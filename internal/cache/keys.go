package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"fanout/internal/types"
)

// HashedValue returns the hex MD5 of value. It is used for key spreading, not security.
func HashedValue(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix derives the cache key prefix of a message. The identity is the
// inner messageId when the payload body carries one, then the object store
// location, then the original message id, then messageID.
func KeyPrefix(data *types.EventData, messageID string) string {
	identity := messageID
	if data.OriginalMessageID != "" {
		identity = data.OriginalMessageID
	}
	if data.S3Key != "" {
		identity = data.S3BucketName + "/" + data.S3Key
	}
	var podID types.ID
	if data.Payload != nil {
		podID = data.Payload.PodID
		if id := innerMessageID(data.Payload); id != "" {
			identity = id
		}
	}
	return fmt.Sprintf("vlm:%s:%s", podID, HashedValue(identity))
}

func innerMessageID(p *types.Payload) string {
	if !p.HasBody() {
		return ""
	}
	var inner struct {
		MessageID types.ID `json:"messageId"`
	}
	if err := json.Unmarshal(p.Body, &inner); err != nil {
		return ""
	}
	return string(inner.MessageID)
}

// ReplicaKeys expands a prefix into one key per replica.
func ReplicaKeys(prefix string, replicas int) []string {
	if replicas < 1 {
		replicas = 1
	}
	keys := make([]string, replicas)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s:%d", prefix, i)
	}
	return keys
}

// NewKeyGenerator returns the key function used when offloading payloads.
func NewKeyGenerator(replicas int) func(data *types.EventData, messageID string) []string {
	return func(data *types.EventData, messageID string) []string {
		return ReplicaKeys(KeyPrefix(data, messageID), replicas)
	}
}
