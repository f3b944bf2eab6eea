package storage

import "context"

// Producer is the side of the queue used by protocol connectors.
type Producer interface {
	// Put hands a converted payload to the queue. It never blocks on disk and
	// returns false when the queue cannot take more data.
	Put(payload string) bool
	Len() int
}

// Consumer is the side of the queue used by the uplink dispatcher.
//
// GetEventPack returns the oldest undelivered payloads in FIFO order. The same pack
// is returned again until EventPackProcessingDone acknowledges it.
type Consumer interface {
	GetEventPack(ctx context.Context) []string
	EventPackProcessingDone(ctx context.Context)
}

// Queue is the durable store between producers and the single uplink consumer.
type Queue interface {
	Producer
	Consumer
	Stop()
}
