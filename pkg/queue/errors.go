package queue

import "errors"

// ErrQueueFull is returned by Send when a message-class packet would push
// the outbound FIFO past its configured drop depth.
var ErrQueueFull = errors.New("queue: max queue depth exceeded, message dropped")
