package coordination

// Redis key construction.

const prefix = "dreamteam:"

func leaseKey(name string) string { return prefix + "lease:{" + name + "}" }

// ReadyChannel is the pub/sub channel carrying role names with ready work.
const ReadyChannel = prefix + "ready"
