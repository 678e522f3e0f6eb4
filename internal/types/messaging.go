package types

// RecycleAction tells the feed owner what to do with a feed.
type RecycleAction string

// RecycleDrain asks the owner to drain a stale feed that a client read again.
const RecycleDrain RecycleAction = "drain"

// RecycleFeedRequest is published on the telemetry queue so the feed owner can
// reclaim a feed. JSON tags match the consumer's camelCase schema.
type RecycleFeedRequest struct {
	FeedID string        `json:"feedId"`
	UserID ID            `json:"userId"`
	PodID  ID            `json:"podId"`
	Action RecycleAction `json:"action"`
	Origin string        `json:"origin"`
}

// RecycleReport counts the feed maintenance actions that succeeded.
type RecycleReport struct {
	Staled  int
	Reused  int
	Removed int
}
