package concentrate

import "github.com/lqian/mailpress/internal/model"

// Item is one packable unit: a whole stored message, or one part of a
// split oversized message. Parts carry a back-reference to the original
// record, so the packer never needs to know about splitting.
type Item struct {
	Path string
	Size int64

	Email model.Email

	// PartIndex/PartTotal are 1-based for split parts, zero otherwise.
	PartIndex int
	PartTotal int
}

// IsPart reports whether this item is one part of a split message.
func (it Item) IsPart() bool {
	return it.PartTotal > 0
}

// EncodedSize estimates the item's size after transport encoding.
func (it Item) EncodedSize(inflation float64) int64 {
	return int64(float64(it.Size) * inflation)
}

// packItems partitions items into an ordered sequence of chunks whose
// estimated encoded size stays under the ceiling. Greedy first-fit in
// the given order: when the next item would overflow a non-empty chunk,
// the chunk is closed and a new one started. A chunk always takes at
// least one item, so a single item exceeding the ceiling still lands in
// its own chunk rather than being dropped. This is an approximation
// packer; the ceiling has headroom and minimum chunk count is not a
// goal.
func packItems(items []Item, ceiling int64, inflation float64) [][]Item {
	var chunks [][]Item
	var current []Item
	var currentSize int64

	for _, it := range items {
		encoded := it.EncodedSize(inflation)

		if currentSize+encoded > ceiling && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentSize = 0
		}

		current = append(current, it)
		currentSize += encoded
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
