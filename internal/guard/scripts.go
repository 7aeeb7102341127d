package guard

import "github.com/redis/go-redis/v9"

// Check-then-increment in one round trip; the counter only moves when the
// upload is allowed. The window starts when the key is created and a refund
// back to zero does not restart it.
const uploadLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}  -- denied
end

local newVal = redis.call("INCR", key)
if redis.call("TTL", key) == -1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// Grants up to ARGV[1] adds from what is left of the daily budget.
const grantLuaScript = `
local key = KEYS[1]
local want = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
local remaining = limit - current
if remaining <= 0 or want <= 0 then
    return {0, current}
end

local grant = want
if grant > remaining then
    grant = remaining
end
local newVal = redis.call("INCRBY", key, grant)
if redis.call("TTL", key) == -1 then
    redis.call("EXPIRE", key, ttl)
end
return {grant, newVal}
`

// Never lets a refund push the counter below zero.
const refundLuaScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", key) or "0")
if current <= 0 then
    return 0
end
if n > current then
    n = current
end
return redis.call("DECRBY", key, n)
`

var (
	uploadScript = redis.NewScript(uploadLuaScript)
	grantScript  = redis.NewScript(grantLuaScript)
	refundScript = redis.NewScript(refundLuaScript)
)
