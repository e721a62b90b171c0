// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
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

package postgresql

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/storage"
)

// leaderLockKey is the advisory lock id guarding batch formation. One
// session holds it at a time; replicas that fail to take it serve reads
// only.
const leaderLockKey = int64(0x5351_5345)

// AcquireLeaderLock implements storage.Store using a session-scoped
// advisory lock on a dedicated pooled connection. The connection is held
// until release so the lock survives exactly as long as the leader does.
func (s *Store) AcquireLeaderLock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, leaderLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, storage.ErrLeaderLockHeld
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, leaderLockKey); err != nil {
			klog.Warningf("Releasing leader lock: %v", err)
		}
		conn.Release()
	}
	return release, nil
}
