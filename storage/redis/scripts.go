package redis

import goredis "github.com/redis/go-redis/v9"

// Script reply statuses.
const (
	statusOK       = "OK"
	statusNotFound = "NOT_FOUND"
	statusExpired  = "EXPIRED"
	statusConsumed = "CONSUMED"
	statusRevoked  = "REVOKED"
	statusExists   = "EXISTS"
)

// scriptPut stores a record only if its key is free and indexes it under its grant.
//
// KEYS[1] = record key
// KEYS[2] = grant index key
// ARGV[1] = record JSON
// ARGV[2] = TTL in milliseconds
// ARGV[3] = "1" if the record belongs to a grant
var scriptPut = goredis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'NX') then
    return 0
end
if ARGV[3] == '1' then
    redis.call('SADD', KEYS[2], KEYS[1])
    if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[2])
    end
end
return 1
`)

// scriptConsume marks a record consumed if it is live. A consumed or revoked
// record is returned with its status so the caller can act on the replay,
// even once it has expired.
//
// KEYS[1] = record key
// ARGV[1] = now in unix milliseconds
var scriptConsume = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return {'NOT_FOUND'}
end

local rec = cjson.decode(data)
local now = tonumber(ARGV[1])
if rec.revoked then
    return {'REVOKED', data}
end
if rec.consumed then
    return {'CONSUMED', data}
end
if tonumber(rec.exp) <= now then
    return {'EXPIRED'}
end

rec.consumed = true
rec.consumed_at = now
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return {'OK', updated}
`)

// scriptSwap consumes the old record and stores its successor in one step.
// Nothing is written unless both steps can succeed.
//
// KEYS[1] = old record key
// KEYS[2] = new record key
// KEYS[3] = grant index key of the new record
// ARGV[1] = now in unix milliseconds
// ARGV[2] = new record JSON
// ARGV[3] = new record TTL in milliseconds
// ARGV[4] = "1" if the new record belongs to a grant
var scriptSwap = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {'EXISTS'}
end

local data = redis.call('GET', KEYS[1])
if not data then
    return {'NOT_FOUND'}
end

local rec = cjson.decode(data)
local now = tonumber(ARGV[1])
if rec.revoked then
    return {'REVOKED', data}
end
if rec.consumed then
    return {'CONSUMED', data}
end
if tonumber(rec.exp) <= now then
    return {'EXPIRED'}
end

rec.consumed = true
rec.consumed_at = now
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
if ARGV[4] == '1' then
    redis.call('SADD', KEYS[3], KEYS[2])
    if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[3]) then
        redis.call('PEXPIRE', KEYS[3], ARGV[3])
    end
end
return {'OK', updated}
`)

// scriptRevoke flags one record revoked. Returns 0 if it does not exist.
//
// KEYS[1] = record key
var scriptRevoke = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local rec = cjson.decode(data)
rec.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`)

// scriptRevokeGrant flags every live record of a grant revoked and prunes
// index members whose record is gone. Returns the number newly revoked.
//
// KEYS[1] = grant index key
var scriptRevokeGrant = goredis.NewScript(`
local n = 0
for _, key in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local data = redis.call('GET', key)
    if data then
        local rec = cjson.decode(data)
        if not rec.revoked then
            rec.revoked = true
            redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
            n = n + 1
        end
    else
        redis.call('SREM', KEYS[1], key)
    end
end
return n
`)

// scriptSweep deletes the given records if they are logically expired.
//
// KEYS    = record keys of one SCAN batch
// ARGV[1] = now in unix milliseconds
// ARGV[2] = grant index key prefix
var scriptSweep = goredis.NewScript(`
local now = tonumber(ARGV[1])
local n = 0
for _, key in ipairs(KEYS) do
    local data = redis.call('GET', key)
    if data then
        local rec = cjson.decode(data)
        if tonumber(rec.exp) <= now then
            redis.call('DEL', key)
            if rec.gid and rec.gid ~= '' then
                redis.call('SREM', ARGV[2] .. rec.gid, key)
            end
            n = n + 1
        end
    end
end
return n
`)
