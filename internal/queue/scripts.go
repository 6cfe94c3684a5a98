package queue

import "github.com/redis/go-redis/v9"

// dequeueScript promotes due delayed jobs, applies the fixed-window rate
// limit and moves the highest-scored waiting job to the active set.
//
// KEYS: wait, delayed, active, limiter
// ARGV: now ms, lease deadline ms, limit max (0 = none), limit window ms, job key prefix
// Returns {id, 0}, {"", 0} when empty, or {"", pttl} when rate limited.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local score = redis.call('HGET', ARGV[5] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
  end
  redis.call('ZREM', KEYS[2], id)
end

local max = tonumber(ARGV[3])
if max > 0 then
  local used = tonumber(redis.call('GET', KEYS[4]) or '0')
  if used >= max then
    local ttl = redis.call('PTTL', KEYS[4])
    if ttl < 0 then
      redis.call('PEXPIRE', KEYS[4], ARGV[4])
      ttl = tonumber(ARGV[4])
    end
    return {'', ttl}
  end
end

local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
  return {'', 0}
end
local id = popped[1]
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', ARGV[5] .. id, 'state', 'active', 'processed_at', ARGV[1])

if max > 0 then
  if redis.call('INCR', KEYS[4]) == 1 then
    redis.call('PEXPIRE', KEYS[4], ARGV[4])
  end
end
return {id, 0}
`)

// completeScript finishes an active job.
//
// KEYS: active, completed, job
// ARGV: id, result, finished ms, retain, job key prefix
// Returns -1 when the job was no longer active.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HINCRBY', KEYS[3], 'attempts_made', 1)
redis.call('HSET', KEYS[3], 'state', 'completed', 'result', ARGV[2], 'progress', 100, 'finished_at', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
local retain = tonumber(ARGV[4])
local evicted = redis.call('LRANGE', KEYS[2], retain, -1)
for _, e in ipairs(evicted) do
  redis.call('DEL', ARGV[5] .. e)
end
redis.call('LTRIM', KEYS[2], 0, retain - 1)
return 1
`)

// failScript records a failed attempt. A retry_at >= 0 schedules the job
// again; otherwise it moves to the failed list.
//
// KEYS: active, delayed, failed, job
// ARGV: id, reason, retry_at ms, finished ms, retain, job key prefix
// Returns -1 when the job was no longer active, 0 when retried, 1 when failed.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HINCRBY', KEYS[4], 'attempts_made', 1)
redis.call('HSET', KEYS[4], 'failure_reason', ARGV[2])
local retryAt = tonumber(ARGV[3])
if retryAt >= 0 then
  redis.call('HSET', KEYS[4], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], retryAt, ARGV[1])
  return 0
end
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[4])
redis.call('LPUSH', KEYS[3], ARGV[1])
local retain = tonumber(ARGV[5])
local evicted = redis.call('LRANGE', KEYS[3], retain, -1)
for _, e in ipairs(evicted) do
  redis.call('DEL', ARGV[6] .. e)
end
redis.call('LTRIM', KEYS[3], 0, retain - 1)
return 1
`)

// progressScript sets progress only on jobs that still exist.
var progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
return 1
`)

// extendScript pushes the lease deadline of a job that is still active.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)
