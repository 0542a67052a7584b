// Package cache implements the layered key/value cache used in front of
// expensive external reads.
//
// Reads check a process-local LRU tier first and fall back to a shared
// redis tier; a redis hit is promoted into the local tier with a capped
// TTL so staleness from the fast tier stays bounded. Redis failures are
// swallowed at this boundary: the cache degrades to local-only behavior
// and never propagates a connection error to its caller. Running without
// redis configured is a valid mode, not an error.
//
// Keys follow the colon-delimited convention
// <domain>:<platform>:<dataType>:<identifier>, which DeletePattern matches
// with glob patterns on both tiers.
package cache
