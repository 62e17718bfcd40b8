package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const DefaultPriceHashKey = "perppool:oracle:prices"

// Update is one fresh record observed on the feed.
type Update struct {
	AccountRef string
	Record     PriceRecord
}

// RedisFeed reads price records that an external publisher writes into a
// Redis hash (field = account ref, value = JSON PriceRecord). Poll returns
// only records newer than the last one seen for each account; the caller
// turns them into set_oracle_price commands.
type RedisFeed struct {
	rdb      *redis.Client
	key      string
	lastSeen map[string]int64
}

func NewRedisFeed(rdb *redis.Client, key string) *RedisFeed {
	if key == "" {
		key = DefaultPriceHashKey
	}
	return &RedisFeed{
		rdb:      rdb,
		key:      key,
		lastSeen: make(map[string]int64),
	}
}

func (f *RedisFeed) Poll(ctx context.Context) ([]Update, error) {
	fields, err := f.rdb.HGetAll(ctx, f.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read price hash %s: %w", f.key, err)
	}

	updates := make([]Update, 0, len(fields))
	for ref, raw := range fields {
		var rec PriceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if last, ok := f.lastSeen[ref]; ok && rec.PublishTime <= last {
			continue
		}
		f.lastSeen[ref] = rec.PublishTime
		updates = append(updates, Update{AccountRef: ref, Record: rec})
	}

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].AccountRef < updates[j].AccountRef
	})
	return updates, nil
}

// Publish writes a record; used by price pushers and integration tests.
func (f *RedisFeed) Publish(ctx context.Context, accountRef string, rec PriceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return f.rdb.HSet(ctx, f.key, accountRef, data).Err()
}
