/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockPrefix namespaces the lock keys
const LockPrefix = "loops:lock:"

// releaseScript deletes a lock only while it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker gives loops mutually exclusive access to entities across hosts.
// Locks expire after their ttl, so a crashed holder never blocks others for
// longer than that.
// Locker 为循环提供跨主机的实体互斥访问；锁在 ttl 后过期。
type Locker struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewLocker creates a locker on client
func NewLocker(client redis.Cmdable, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, logger: logger}
}

// WithLock tries to lock each id in turn and calls fn with the first one it
// gets, releasing the lock afterwards. Ids already locked by someone else are
// skipped with a warning. ran is false if no id could be locked. An empty
// owner gets a random one.
// WithLock 依次尝试锁定每个 id，对第一个成功锁定的 id 调用 fn 并在之后释放；已被锁定的 id 会被跳过。
func (l *Locker) WithLock(ctx context.Context, ids []string, owner string, ttl time.Duration,
	fn func(ctx context.Context, id string) error) (ran bool, err error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	for _, id := range ids {
		key := LockPrefix + id
		ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to lock %s: %w", id, err)
		}
		if !ok {
			l.logger.Warn("Entity is locked, skipping", zap.String("id", id))
			continue
		}

		defer l.release(key, owner)
		return true, fn(ctx, id)
	}
	return false, nil
}

// Locked reports whether id is currently locked by anyone
func (l *Locker) Locked(ctx context.Context, id string) (bool, error) {
	err := l.client.Get(ctx, LockPrefix+id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// release runs on a fresh context so a cancelled worker still frees its lock
func (l *Locker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil {
		l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
	}
}
