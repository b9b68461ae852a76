// Package redis builds go-redis clients and a redsync based lock manager.
// The lock manager satisfies outbox.CycleLocker so several relays can share
// one outbox table without running dispatch cycles at the same time.
package redis
