/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package eviction

import (
	"context"

	"github.com/nabbar/goredisson/pubsub"
	"github.com/nabbar/goredisson/script"
)

// QueueTransferJob claims due scheduled-executor tasks and hands their ids
// to handle, the local half of C8's "executor queue-transfer" concern
// (spec.md §4.7): the remote worker pool in the executor package pulls
// from the same Queue, so this job exists for deployments running the
// eviction scheduler without a dedicated executor worker.
type QueueTransferJob struct {
	Queue *script.Queue
	Now   func() int64
	Limit int
	Claim func(ctx context.Context, id string)
}

func (j *QueueTransferJob) Name() string { return "executor-queue-transfer" }

func (j *QueueTransferJob) Run(ctx context.Context) error {
	ids, err := j.Queue.ClaimDue(ctx, j.Now(), j.Limit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		j.Claim(ctx, id)
	}
	return nil
}

// KeyspaceEvictionListener is the supplemented second removal path (spec.md
// SPEC_FULL "keyspace-event eviction listening"): rather than waiting for
// the next scan tick, it reacts immediately to expired-key notifications
// the server publishes on its keyevent channels, invoking onExpired as
// soon as the event arrives.
type KeyspaceEvictionListener struct {
	notify    *pubsub.Service
	db        int
	onExpired func(key string)
}

// NewKeyspaceEvictionListener subscribes to the server's expired-key
// keyevent channel for database db.
func NewKeyspaceEvictionListener(notify *pubsub.Service, db int, onExpired func(key string)) *KeyspaceEvictionListener {
	return &KeyspaceEvictionListener{notify: notify, db: db, onExpired: onExpired}
}

// Start registers the subscription. It is a no-op concern layered on top
// of pubsub.Service; it does not open its own connection.
func (k *KeyspaceEvictionListener) Start() error {
	channel := keyspaceChannel(k.db)
	return k.notify.Subscribe(channel, func(_ string, payload []byte) {
		k.onExpired(string(payload))
	})
}

func keyspaceChannel(db int) string {
	const prefix = "__keyevent@"
	return prefix + itoa(db) + "__:expired"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

