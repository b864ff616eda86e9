// Package redis persists conversation threads as Redis lists so several
// service replicas can share them. Each thread is one list of JSON encoded
// messages with an optional sliding expiry.
package redis
