// Package zap adapts go.uber.org/zap to the courier log.Logger contract.
package zap
