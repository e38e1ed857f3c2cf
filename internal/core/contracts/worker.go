package contracts

import "context"

type AsyncWorker interface {
	// Run starts the consumer loop and blocks until ctx is done.
	Run(ctx context.Context) error
	// ProcessMessage delivers one relayed event to local subscribers.
	ProcessMessage(ctx context.Context, channel string, rawData []byte) error
}
