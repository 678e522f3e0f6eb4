package fanout

import (
	"fmt"

	"fanout/internal/types"
)

// Splitter decides when a distribution list is long enough to split and
// sizes messages as they will look once split.
type Splitter struct {
	StartSplitFromRoomSize int
	ChunkSize              int
}

// IsSplittable reports whether a list of this length triggers a split.
func (s Splitter) IsSplittable(list []types.ID) bool {
	return s.StartSplitFromRoomSize > 0 && s.ChunkSize > 0 && len(list) >= s.StartSplitFromRoomSize
}

// MaxCompactedListSize is the encoded size of the longest list a split copy
// can carry: two brackets, the commas, and one feed key per entry.
func (s Splitter) MaxCompactedListSize() int {
	commas := max(s.ChunkSize-1, 0)
	return 2 + commas + (len(types.FeedKeyUserPrefix)+types.UserIDWidth)*s.ChunkSize
}

// EffectiveSize is the encoded size of data as it will be published. For a
// splittable message the full list is replaced by the largest split list.
func (s Splitter) EffectiveSize(data *types.EventData) (int, error) {
	size, err := types.MarshaledSize(data)
	if err != nil {
		return 0, fmt.Errorf("size message: %w", err)
	}
	if data.Payload == nil || !s.IsSplittable(data.Payload.DistributionList) {
		return size, nil
	}
	listSize, err := types.MarshaledSize(data.Payload.DistributionList)
	if err != nil {
		return 0, fmt.Errorf("size distribution list: %w", err)
	}
	return size - listSize + s.MaxCompactedListSize(), nil
}

// Chunk cuts list into consecutive slices of at most size entries.
func Chunk(list []types.ID, size int) [][]types.ID {
	if size <= 0 || len(list) == 0 {
		return nil
	}
	chunks := make([][]types.ID, 0, (len(list)+size-1)/size)
	for i := 0; i < len(list); i += size {
		chunks = append(chunks, list[i:min(i+size, len(list))])
	}
	return chunks
}

// Split returns the copies to re-insert, or nil when the message is
// delivered as is. A list that fits in one chunk is never split. Each copy
// keeps the original id and carries one chunk of the list.
func (s Splitter) Split(id string, data *types.EventData) []*types.EventData {
	if data.Payload == nil || !s.IsSplittable(data.Payload.DistributionList) {
		return nil
	}
	chunks := Chunk(data.Payload.DistributionList, s.ChunkSize)
	if len(chunks) <= 1 {
		return nil
	}

	copies := make([]*types.EventData, len(chunks))
	for i, chunk := range chunks {
		c := data.Clone()
		if c.OriginalMessageID == "" {
			c.OriginalMessageID = id
		}
		c.IsSplit = true
		c.Payload.DistributionList = append([]types.ID(nil), chunk...)
		copies[i] = c
	}
	return copies
}
