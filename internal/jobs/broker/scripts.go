package broker

import goredis "github.com/redis/go-redis/v9"

// Waiting scores are priority*1e12 + a per-queue sequence so ZPOPMIN yields
// priority order with FIFO inside a priority. 1e12 keeps scores below 1e14,
// which Lua still formats as exact integers.

// KEYS: wait, delayed, seq, job
// ARGV: id, data, priority, max_attempts, now_ms, ready_at_ms
var pushScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return 0
end
redis.call('HSET', KEYS[4],
  'id', ARGV[1], 'data', ARGV[2], 'priority', ARGV[3], 'max_attempts', ARGV[4],
  'attempts', 0, 'stalled', 0, 'created_at', ARGV[5], 'token', '', 'error', '')
if tonumber(ARGV[6]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'delayed')
else
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) * 1000000000000 + seq, ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'waiting')
end
return 1
`)

// KEYS: wait, delayed, active, meta, seq
// ARGV: now_ms, lease_deadline_ms, job_prefix, token
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local jk = ARGV[3] .. id
  local pr = tonumber(redis.call('HGET', jk, 'priority') or '5')
  local seq = redis.call('INCR', KEYS[5])
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], pr * 1000000000000 + seq, id)
  redis.call('HSET', jk, 'state', 'waiting')
end
if redis.call('HGET', KEYS[4], 'paused') == '1' then
  return false
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = ARGV[3] .. id
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HSET', jk, 'state', 'active', 'token', ARGV[4], 'processed_at', ARGV[1])
return redis.call('HGETALL', jk)
`)

// KEYS: active, job
// ARGV: id, token, lease_deadline_ms
var extendScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// Moves an owned active job to a finished set and trims that set.
// KEYS: active, target, job
// ARGV: id, token, now_ms, state, field, value, keep, job_prefix,
// outcome_prefix, outcome_ttl_ms
// Trimmed jobs keep their outcome, without payload, under outcome_prefix.
var finishScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'state', ARGV[4], ARGV[5], ARGV[6], 'finished_at', ARGV[3], 'token', '')
local keep = tonumber(ARGV[7])
if keep >= 0 then
  local n = redis.call('ZCARD', KEYS[2])
  if n > keep then
    local old = redis.call('ZRANGE', KEYS[2], 0, n - keep - 1)
    for _, oid in ipairs(old) do
      local jk = ARGV[8] .. oid
      if redis.call('EXISTS', jk) == 1 then
        local ok = ARGV[9] .. oid
        redis.call('RENAME', jk, ok)
        redis.call('HDEL', ok, 'data')
        redis.call('PEXPIRE', ok, ARGV[10])
      end
    end
    redis.call('ZREMRANGEBYRANK', KEYS[2], 0, n - keep - 1)
  end
end
return 1
`)

// KEYS: active, delayed, job
// ARGV: id, token, ready_at_ms, error
var retryScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'error', ARGV[4], 'token', '')
return 1
`)

// Returns a flat list of id, outcome, attempts for every expired lease.
// KEYS: active, wait, failed, seq
// ARGV: now_ms, job_prefix, max_stalled, stalled_error
var stalledScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local out = {}
for _, id in ipairs(expired) do
  local jk = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', jk) == 1 then
    local stalled = redis.call('HINCRBY', jk, 'stalled', 1)
    local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0')
    local maxA = tonumber(redis.call('HGET', jk, 'max_attempts') or '1')
    if stalled > tonumber(ARGV[3]) or attempts >= maxA then
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      redis.call('HSET', jk, 'state', 'failed', 'error', ARGV[4], 'finished_at', ARGV[1], 'token', '')
      table.insert(out, id)
      table.insert(out, 'failed')
    else
      local pr = tonumber(redis.call('HGET', jk, 'priority') or '5')
      local seq = redis.call('INCR', KEYS[4])
      redis.call('ZADD', KEYS[2], pr * 1000000000000 + seq, id)
      redis.call('HSET', jk, 'state', 'waiting', 'token', '')
      table.insert(out, id)
      table.insert(out, 'waiting')
    end
    table.insert(out, tostring(attempts))
  end
end
return out
`)

// KEYS: wait, delayed
// ARGV: job_prefix
var drainScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local delayed = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(delayed) do
  table.insert(ids, id)
end
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2])
return ids
`)

// KEYS: finished set
// ARGV: max_score, limit, job_prefix
var cleanScript = goredis.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
end
return ids
`)

// KEYS: wait, delayed, active, completed, failed, job
// ARGV: id
var removeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[6]) == 0 then
  return 0
end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[6])
return 1
`)
