package supervisor

import "time"

// schedule is the delay before each reconnect attempt. The last entry
// repeats.
var schedule = []time.Duration{
	0,
	1 * time.Second,
	5 * time.Second,
	20 * time.Second,
	3 * time.Minute,
}

// Backoff returns the delay before reconnect attempt n, counting from 0.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[n]
}
