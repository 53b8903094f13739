// Package ratelimit implements the adaptive governor that sits between every
// outbound REST call and the HTTP transport.
//
// Each key (usually "METHOD:path") has its own allowed QPS. Calls are spaced
// at least 1/QPS apart; a throttled or failed call halves the rate and opens
// a cooldown window, while a streak of successes grows it back slowly. The
// rate is always clamped to [MinQPS, MaxQPS].
package ratelimit
