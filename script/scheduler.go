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

package script

import (
	"context"
	"strconv"

	"github.com/hashicorp/go-uuid"

	"github.com/nabbar/goredisson/command"
	liberr "github.com/nabbar/goredisson/errors"
	"github.com/nabbar/goredisson/logger"
)

// TaskStatus is the lifecycle stage of one entry in the server-held
// scheduled-executor queue (spec.md §4.6 "scheduled executor queue").
type TaskStatus int

const (
	TaskScheduled TaskStatus = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskCanceled
)

// retryPrefix marks a task id that has been resubmitted after a failure,
// the way spec.md describes retried scheduled tasks carrying an "ff"
// prefix so status queries can distinguish an original run from a retry.
const retryPrefix = "ff:"

// Queue is the client-side handle to the scheduled-executor queue: a
// sorted set of due-times plus a hash of task payloads and statuses.
type Queue struct {
	exec *command.Executor
	name string
	log  logger.Logger
}

// NewQueue builds a Queue named name.
func NewQueue(exec *command.Executor, name string, log logger.Logger) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{exec: exec, name: name, log: log}
}

// Submit enqueues payload due at dueUnixMillis, returning the generated
// task id.
func (q *Queue) Submit(ctx context.Context, payload []byte, dueUnixMillis int64) (string, liberr.Error) {
	id, errU := uuid.GenerateUUID()
	if errU != nil {
		return "", liberr.New(liberr.CodeRejected, "scheduler: cannot mint task id").AddParent(errU)
	}

	_, err := q.exec.Execute(ctx, command.Descriptor{
		Key: q.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(queueSubmitScript), []byte("1"), []byte(q.name),
			[]byte(id), payload, []byte(strconv.FormatInt(dueUnixMillis, 10)),
		},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Retry resubmits id's payload under a new "ff:"-prefixed id due at
// dueUnixMillis, marking the original as failed (spec.md "retry ff
// prefix").
func (q *Queue) Retry(ctx context.Context, originalID string, payload []byte, dueUnixMillis int64) (string, liberr.Error) {
	retryID := retryPrefix + originalID
	_, err := q.exec.Execute(ctx, command.Descriptor{
		Key: q.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(queueRetryScript), []byte("1"), []byte(q.name),
			[]byte(originalID), []byte(retryID), payload, []byte(strconv.FormatInt(dueUnixMillis, 10)),
		},
	})
	if err != nil {
		return "", err
	}
	return retryID, nil
}

// Cancel removes id from the due-set and marks it canceled, provided it
// has not already started running (spec.md edge case: "a task already
// claimed by a worker cannot be canceled").
func (q *Queue) Cancel(ctx context.Context, id string) (bool, liberr.Error) {
	reply, err := q.exec.Execute(ctx, command.Descriptor{
		Key:  q.name,
		Args: [][]byte{[]byte("EVAL"), []byte(queueCancelScript), []byte("1"), []byte(q.name), []byte(id)},
	})
	if err != nil {
		return false, err
	}
	return reply.Int == 1, nil
}

// ClaimDue pops up to limit tasks whose due time has elapsed, marking them
// Running, for a worker pull loop (the executor package's Run) to execute.
func (q *Queue) ClaimDue(ctx context.Context, nowUnixMillis int64, limit int) ([]string, liberr.Error) {
	reply, err := q.exec.Execute(ctx, command.Descriptor{
		Key: q.name,
		Args: [][]byte{
			[]byte("EVAL"), []byte(queueClaimScript), []byte("1"), []byte(q.name),
			[]byte(strconv.FormatInt(nowUnixMillis, 10)), []byte(strconv.Itoa(limit)),
		},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reply.Array))
	for _, el := range reply.Array {
		ids = append(ids, string(el.Bulk))
	}
	return ids, nil
}

// Payload fetches the payload bytes stored for id, for a worker that has
// just claimed it via ClaimDue.
func (q *Queue) Payload(ctx context.Context, id string) ([]byte, liberr.Error) {
	reply, err := q.exec.Execute(ctx, command.Descriptor{
		Key:  q.name,
		Args: [][]byte{[]byte("HGET"), []byte(q.name + ":payload"), []byte(id)},
	})
	if err != nil {
		return nil, err
	}
	return reply.Bulk, nil
}

const (
	queueSubmitScript = `
redis.call('zadd', KEYS[1], ARGV[3], ARGV[1])
redis.call('hset', KEYS[1] .. ':payload', ARGV[1], ARGV[2])
redis.call('hset', KEYS[1] .. ':status', ARGV[1], 0)
return 1`

	queueRetryScript = `
redis.call('hset', KEYS[1] .. ':status', ARGV[1], 3)
redis.call('zadd', KEYS[1], ARGV[4], ARGV[2])
redis.call('hset', KEYS[1] .. ':payload', ARGV[2], ARGV[3])
redis.call('hset', KEYS[1] .. ':status', ARGV[2], 0)
return 1`

	queueCancelScript = `
local status = redis.call('hget', KEYS[1] .. ':status', ARGV[1])
if status == '1' then
  return 0
end
redis.call('zrem', KEYS[1], ARGV[1])
redis.call('hset', KEYS[1] .. ':status', ARGV[1], 4)
return 1`

	queueClaimScript = `
local ids = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('zrem', KEYS[1], id)
  redis.call('hset', KEYS[1] .. ':status', id, 1)
end
return ids`
)
