package nostr

import (
	"context"
	"encoding/hex"

	"github.com/nostrcore/relaypool/negentropy"
)

// negItemsFromDatabase converts the Database's (id, created_at) pairs for
// filter into negentropy.Items, skipping any id that isn't a well-formed
// 32-byte hex string rather than failing the whole sync (§4.2.6, §6.4).
func negItemsFromDatabase(ctx context.Context, db Database, f Filter) ([]negentropy.Item, error) {
	stamps, err := db.NegentropyItems(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]negentropy.Item, 0, len(stamps))
	for _, s := range stamps {
		raw, err := hex.DecodeString(s.ID)
		if err != nil || len(raw) != negentropy.IDSize {
			continue
		}
		var id [negentropy.IDSize]byte
		copy(id[:], raw)
		items = append(items, negentropy.Item{ID: id, Timestamp: s.CreatedAt})
	}
	return items, nil
}
