package protocol_test

import (
	"testing"

	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

func TestIsCritical(t *testing.T) {
	critical := []string{
		protocol.EventIncomingCall,
		protocol.EventCallAccepted,
		protocol.EventCallRejected,
		protocol.EventCallCancelled,
		protocol.EventCallEnded,
		protocol.EventUserBusy,
		protocol.EventUserOffline,
		// The check-online answer is a direct reply; dropping it leaves
		// the asking client waiting forever.
		protocol.EventCheckOnline,
	}
	for _, ev := range critical {
		if !protocol.IsCritical(ev) {
			t.Fatalf("expected %q to be critical", ev)
		}
	}

	droppable := []string{protocol.EventOnlineUsers, protocol.EventError, "unknown"}
	for _, ev := range droppable {
		if protocol.IsCritical(ev) {
			t.Fatalf("expected %q to be droppable", ev)
		}
	}
}
