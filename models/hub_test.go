package models

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SendsAfterStopDoNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	returned := make(chan bool, 1)
	go func() {
		hub.UnregisterClient(nil)
		returned <- hub.RegisterClient(nil)
	}()

	select {
	case ok := <-returned:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("hub send blocked after Run returned")
	}
}

func TestHub_BroadcastDropsWhenBackedUp(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.BroadcastItemUpdate(WorkItem{ID: "a", Status: StatusDiscovered})
	}
	require.Len(t, hub.broadcast, cap(hub.broadcast))
}
