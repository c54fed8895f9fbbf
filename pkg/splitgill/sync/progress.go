// Copyright © 2024 OpenIM. All rights reserved.
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

package sync

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"
)

// Progress publishes a running db's indexed/deleted counts while a Sync
// call is still in flight, so a caller watching from another process (an
// admin dashboard, a CLI showing a progress bar) can observe it before
// the final Result comes back. It is entirely a side channel: a Sync call
// that never updates one, or whose Progress fails to update, still
// completes and returns its Result exactly the same.
type Progress interface {
	Set(ctx context.Context, db string, indexed, deleted int) error
}

// NopProgress discards updates. It is the Engine default: most callers
// only care about the final Result.
type NopProgress struct{}

func (NopProgress) Set(ctx context.Context, db string, indexed, deleted int) error { return nil }

// LocalProgress keeps the latest counts for one db in process memory,
// readable by another goroutine in the same process (e.g. an HTTP status
// handler) via Snapshot.
type LocalProgress struct {
	indexed atomic.Int64
	deleted atomic.Int64
}

func (p *LocalProgress) Set(ctx context.Context, db string, indexed, deleted int) error {
	p.indexed.Store(int64(indexed))
	p.deleted.Store(int64(deleted))
	return nil
}

func (p *LocalProgress) Snapshot() (indexed, deleted int) {
	return int(p.indexed.Load()), int(p.deleted.Load())
}

// RedisProgress publishes counts into a per-db redis hash and, like the
// teacher's online-status cache publishing presence changes over a pubsub
// channel (pkg/common/storage/cache/redis/online.go), announces each
// update on a channel so a watcher can push rather than poll.
type RedisProgress struct {
	Client  redis.UniversalClient
	Channel string // optional; empty disables the publish step.
	TTL     time.Duration
}

func (p *RedisProgress) key(db string) string { return "sg-sync-progress:" + db }

func (p *RedisProgress) Set(ctx context.Context, db string, indexed, deleted int) error {
	key := p.key(db)
	if err := p.Client.HSet(ctx, key,
		"indexed", strconv.Itoa(indexed),
		"deleted", strconv.Itoa(deleted),
	).Err(); err != nil {
		return errs.WrapMsg(err, "sync: redis progress write failed", "db", db)
	}
	if p.TTL > 0 {
		if err := p.Client.Expire(ctx, key, p.TTL).Err(); err != nil {
			return errs.WrapMsg(err, "sync: redis progress expire failed", "db", db)
		}
	}
	if p.Channel != "" {
		if err := p.Client.Publish(ctx, p.Channel, db).Err(); err != nil {
			return errs.WrapMsg(err, "sync: redis progress publish failed", "db", db)
		}
	}
	return nil
}
