package main

import (
	"context"
	"log"
)

// broadcastWorker receives values and fans them out to multiple downstream workers.
// A downstream worker with a full channel misses the update rather than stalling the others.
func broadcastWorker[T any](ctx context.Context, name string, inputChan <-chan T, outputChans []chan<- T) {
	for {
		select {
		case data := <-inputChan:
			for i, ch := range outputChans {
				select {
				case ch <- data:
				case <-ctx.Done():
					return
				default:
					log.Printf("Warning: %s downstream worker %d channel full, dropping update\n", name, i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
