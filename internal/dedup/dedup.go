// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup builds stable dedup keys for logical records and provides
// an optional Redis fast filter in front of the persistent state store.
// The filter only short-circuits work when consecutive runs scan
// overlapping lookback windows; the durable at-most-once guarantee lives
// in the state store and the relational dedup index.
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
)

// Key returns the stable dedup key for one logical record: the adapter
// message id when available, else a content hash over the message identity
// and the ordered field values. Equal logical records always yield equal
// keys.
func Key(messageID, subject, sender, receivedTime string, values []string) string {
	if messageID != "" {
		return "ID:" + messageID
	}
	return "H:" + hashValues(subject, sender, receivedTime, values)
}

// hashValues hashes the record identity with BLAKE3. Each part is length
// prefixed so adjacent values cannot collide by concatenation.
func hashValues(subject, sender, receivedTime string, values []string) string {
	h := blake3.New()
	writePart := func(s string) {
		fmt.Fprintf(h, "%d:", len(s))
		h.WriteString(s)
	}
	writePart(subject)
	writePart(sender)
	writePart(receivedTime)
	for _, v := range values {
		writePart(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

const (
	// DefaultTTL is how long the fast filter remembers a seen key. Runs
	// re-scan at most the lookback window, so a day is comfortably safe.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces filter keys in Redis.
	keyPrefix = "buoysync:seen:"
)

// Filter tracks recently seen dedup keys in Redis.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a fast filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Seen reports whether the key was marked within the TTL. The check never
// marks: marking happens only after the durable write succeeds, so a
// failed write cannot poison the filter.
func (f *Filter) Seen(ctx context.Context, folderTag, key string) (bool, error) {
	k := fmt.Sprintf("%s%s:%s", keyPrefix, folderTag, key)
	n, err := f.rdb.Exists(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records a key in the filter.
func (f *Filter) MarkSeen(ctx context.Context, folderTag, key string) error {
	k := fmt.Sprintf("%s%s:%s", keyPrefix, folderTag, key)
	if err := f.rdb.Set(ctx, k, 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *Filter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.rdb.Ping(ctx).Err()
}
