// Package rotation implements the pin rotation scheduler: the time-block
// resolver, the random selection engine, and the cycle loop that drives
// pinning/unpinning against a collection service.
//
// One cycle: clean expired cooldowns -> apply the always-pinned special
// case -> unpin sweep -> per-library time-block resolution and random
// selection -> pin + record cooldowns -> notify -> sleep. When a library
// cannot fill its quota from non-excluded collections, the cooldown map is
// reset and the whole pass is retried once, immediately.
//
// The loop is single-flight: cycles never overlap, and cancellation is
// honored at cycle boundaries and during the (sliced) sleep.
package rotation
