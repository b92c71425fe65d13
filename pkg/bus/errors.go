package bus

import (
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishFailed is returned when a publish exhausts all retries.
var ErrPublishFailed = errors.New("publish failed after retries")

// connectionErrorMarkers are substrings that identify the connection-reset
// error family. Matching errors are recoverable by discarding the channel
// and reconnecting.
var connectionErrorMarkers = []string{
	"connection reset",
	"stream lost",
	"broker-closed",
	"amqp connection error",
	"channel/connection is not open",
	"use of closed network connection",
	"connection refused",
	"eof",
}

// isConnectionError reports whether err belongs to the connection-reset
// family, for which reconnect-and-retry is the right response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ChannelError, amqp.ConnectionForced, amqp.InternalError, amqp.ResourceError:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
