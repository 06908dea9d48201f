package redisq

// Every multi-step queue transition runs as one Lua script so that state,
// sorted sets and counters can never drift apart under concurrent workers.
//
// Key layout (ARGV[1] is always the key prefix):
//   <p>job:<jobID>    hash: id, order_id, payload, correlation_id, attempt,
//                     state, next_run_at, worker, reason
//   <p>order:<id>     dedup: order id -> current non-terminal job id
//   <p>waiting        zset: runnable jobs scored by next_run_at (ms)
//   <p>active         zset: leased jobs scored by lease deadline (ms)
//   <p>failed         set: dead-lettered job ids
//   <p>retrying       counter of retry-scheduled jobs inside <p>waiting
//   <p>worker:<id>    counter of jobs currently leased by one worker
//   <p>rate:<minute>  global per-minute lease counter

// luaEnqueue claims the per-order dedup slot and creates the job. Returns
// the existing job id when the order already has a non-terminal job.
const luaEnqueue = `
local p = ARGV[1]
local jobID = ARGV[2]
local orderID = ARGV[3]
local payload = ARGV[4]
local corr = ARGV[5]
local now = tonumber(ARGV[6])

local dedup = p .. "order:" .. orderID
local existing = redis.call("GET", dedup)
if existing then
  return existing
end
redis.call("SET", dedup, jobID)
redis.call("HSET", p .. "job:" .. jobID,
  "id", jobID,
  "order_id", orderID,
  "payload", payload,
  "correlation_id", corr,
  "attempt", 0,
  "state", "waiting",
  "next_run_at", now)
redis.call("ZADD", p .. "waiting", now, jobID)
return false
`

// luaLease claims the earliest due waiting job, honoring the per-worker
// concurrency cap and the global per-minute throughput ceiling. Returns the
// job hash as a flat field/value array, or false.
const luaLease = `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local worker = ARGV[3]
local maxConcurrent = tonumber(ARGV[4])
local ratePerMin = tonumber(ARGV[5])
local visibility = tonumber(ARGV[6])

local workerKey = p .. "worker:" .. worker
if tonumber(redis.call("GET", workerKey) or "0") >= maxConcurrent then
  return false
end

local rateKey = p .. "rate:" .. math.floor(now / 60000)
if tonumber(redis.call("GET", rateKey) or "0") >= ratePerMin then
  return false
end

local due = redis.call("ZRANGEBYSCORE", p .. "waiting", 0, now, "LIMIT", 0, 1)
if #due == 0 then
  return false
end
local jobID = due[1]
local jobKey = p .. "job:" .. jobID

redis.call("ZREM", p .. "waiting", jobID)
if redis.call("HGET", jobKey, "state") == "retry-scheduled" then
  redis.call("DECR", p .. "retrying")
end
redis.call("HSET", jobKey, "state", "active", "worker", worker)
redis.call("HINCRBY", jobKey, "attempt", 1)
redis.call("ZADD", p .. "active", now + visibility, jobID)
redis.call("INCR", workerKey)
redis.call("INCR", rateKey)
redis.call("PEXPIRE", rateKey, 120000)
return redis.call("HGETALL", jobKey)
`

// luaAck marks terminal success and frees the dedup slot.
const luaAck = `
local p = ARGV[1]
local jobID = ARGV[2]
local jobKey = p .. "job:" .. jobID

redis.call("ZREM", p .. "active", jobID)
local worker = redis.call("HGET", jobKey, "worker")
if worker then
  redis.call("DECR", p .. "worker:" .. worker)
end
redis.call("HSET", jobKey, "state", "succeeded")
local orderID = redis.call("HGET", jobKey, "order_id")
if orderID then
  redis.call("DEL", p .. "order:" .. orderID)
end
redis.call("PEXPIRE", jobKey, 3600000)
return 1
`

// luaNack schedules a retry with exponential backoff, or dead-letters the
// job once retries are exhausted. Returns {terminal, attempt, next_run_at}.
const luaNack = `
local p = ARGV[1]
local jobID = ARGV[2]
local now = tonumber(ARGV[3])
local maxRetries = tonumber(ARGV[4])
local reason = ARGV[5]
local jobKey = p .. "job:" .. jobID

redis.call("ZREM", p .. "active", jobID)
local worker = redis.call("HGET", jobKey, "worker")
if worker then
  redis.call("DECR", p .. "worker:" .. worker)
end

local attempt = tonumber(redis.call("HGET", jobKey, "attempt") or "0")
if attempt <= maxRetries then
  local nextRun = now + math.pow(2, attempt) * 1000
  redis.call("HSET", jobKey, "state", "retry-scheduled", "next_run_at", nextRun, "reason", reason)
  redis.call("ZADD", p .. "waiting", nextRun, jobID)
  redis.call("INCR", p .. "retrying")
  return { 0, attempt, nextRun }
end

redis.call("HSET", jobKey, "state", "failed-terminal", "reason", reason)
redis.call("SADD", p .. "failed", jobID)
local orderID = redis.call("HGET", jobKey, "order_id")
if orderID then
  redis.call("DEL", p .. "order:" .. orderID)
end
return { 1, attempt, 0 }
`

// luaReap returns expired leases to waiting; the visibility timeout is the
// sole source of duplicate delivery, which the worker tolerates by design.
const luaReap = `
local p = ARGV[1]
local now = tonumber(ARGV[2])

local expired = redis.call("ZRANGEBYSCORE", p .. "active", 0, now)
for _, jobID in ipairs(expired) do
  local jobKey = p .. "job:" .. jobID
  redis.call("ZREM", p .. "active", jobID)
  local worker = redis.call("HGET", jobKey, "worker")
  if worker then
    redis.call("DECR", p .. "worker:" .. worker)
  end
  redis.call("HSET", jobKey, "state", "waiting", "next_run_at", now)
  redis.call("HDEL", jobKey, "worker")
  redis.call("ZADD", p .. "waiting", now, jobID)
end
return #expired
`
