// Package daq is the DAQ Engine: signal selection, target-side list/ODT
// allocation, packet reassembly into timestamped samples, and bounded
// delivery to a consumer.
package daq

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// BackpressureMode selects what happens when the consumer queue is
// full. DropOldest is the default: the protocol offers no
// way to slow the target, so blocking the receiver would eventually
// stall the whole connection.
type BackpressureMode int

const (
	DropOldest BackpressureMode = iota
	Block
)

// SignalSelection is one (path, event-channel) pair the caller wants
// streamed.
type SignalSelection struct {
	Path         string `validate:"required"`
	EventChannel int    `validate:"gte=0"`
}

// Config is validated in full before any ALLOC_* command is sent, per
// Design Note (b): reject at configure time, never mid-sequence.
type Config struct {
	Signals          []SignalSelection `validate:"required,min=1,dive"`
	RateDivisor      uint8             `validate:"gte=1"`
	QueueCapacity    int               `validate:"gte=1"`
	Backpressure     BackpressureMode
	RootSymbolIfUsed string
}

var validate = validator.New()

// Validate runs struct-tag validation over c, implementing Design
// Note (b) directly: malformed configuration never reaches the target.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("daq: invalid configuration: %w", err)
	}
	return nil
}
