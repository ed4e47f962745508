// Package ratelimit implements a sliding-window ticket limiter: a bounded
// histogram of buckets per key, rotated forward on each access and scanned
// for full decay against a tracked minimum next-upkeep deadline. Callers
// configure it with {capacity, interval, length} and add tickets per key;
// Add reports an error once a key's windowed sum would exceed capacity.
package ratelimit
