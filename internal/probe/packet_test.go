package probe

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestBuildPayloadEncodesTimestamp(t *testing.T) {
	sentAt := time.Now()
	b := BuildPayload(DefaultPayloadSize, sentAt)
	if len(b) != DefaultPayloadSize {
		t.Fatalf("len = %d, want %d", len(b), DefaultPayloadSize)
	}
	gotMicros := int64(binary.BigEndian.Uint64(b[:8]))
	if gotMicros != sentAt.UnixMicro() {
		t.Errorf("embedded timestamp = %d, want %d", gotMicros, sentAt.UnixMicro())
	}
	for i := 8; i < len(b); i++ {
		if b[i] != byte(i) {
			t.Fatalf("b[%d] = %d, want %d", i, b[i], byte(i))
		}
	}
}

func TestBuildPayloadRaisesUndersizedRequest(t *testing.T) {
	b := BuildPayload(2, time.Now())
	if len(b) != MinPayloadSize {
		t.Errorf("len = %d, want floor %d", len(b), MinPayloadSize)
	}
}
