// Package backoff computes retry delays and context-aware sleeps.
package backoff
