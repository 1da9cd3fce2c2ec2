package broker

// Shard computes the replicator shard owning username:
// shard = (Σ ord(c) over c in username) mod 41 mod N. This must never be
// "fixed" — shard assignment determines which
// replicator holds a user's durable state, and reshuffling the formula
// would orphan every existing account.
func Shard(username string, numShards int) int {
	sum := 0
	for _, c := range username {
		sum += int(c)
	}
	return (sum % 41) % numShards
}
