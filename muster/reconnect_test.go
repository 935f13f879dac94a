package muster

import (
	"testing"
	"time"
)

func TestMuster_ReconnectHandler_Shutdown(t *testing.T) {
	m := newTestMuster(nil)

	doneCh := make(chan struct{})
	go func() {
		m.handleReconnect()
		close(doneCh)
	}()

	close(m.shutdownCh)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("reconnect handler should exit on shutdown")
	}
}

func TestMuster_Reconnect_NoFailed(t *testing.T) {
	m := newTestMuster(nil)

	// With no failed members this is a no-op and must not touch the
	// transport (none is attached here).
	m.reconnect()
}
