package lock

import "github.com/dcbickfo/flashsale/kv"

var (
	// unlockScript deletes the lock only while it still holds our token.
	// KEYS[1] lock key, ARGV[1] owner token. Returns 1 when deleted.
	unlockScript = kv.NewScript("lock.unlock", `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	// refreshScript extends the TTL only while the lock still holds our token.
	// KEYS[1] lock key, ARGV[1] owner token, ARGV[2] ttl in milliseconds.
	refreshScript = kv.NewScript("lock.refresh", `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)
