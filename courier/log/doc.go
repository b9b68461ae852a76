// Package log defines the logging contract used across courier packages.
//
// Library code depends only on Logger; processes plug in a backend such as
// the zap adapter in courier/zap.
package log
