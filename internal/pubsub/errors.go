package pubsub

import "errors"

var (
	// ErrBrokerClosed is returned when publishing or subscribing after Shutdown.
	ErrBrokerClosed = errors.New("pubsub broker is closed")

	// ErrEmptyChannel is returned when a channel name is empty after normalization.
	ErrEmptyChannel = errors.New("channel name is empty")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("pubsub transport is closed")
)
