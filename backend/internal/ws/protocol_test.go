package ws

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodeFrame(FrameUpdate, payload)

	ft, got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if ft != FrameUpdate {
		t.Fatalf("type = %v, want FrameUpdate", ft)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %x, want %x", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame := EncodeFrame(FrameSyncRequest, nil)
	ft, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if ft != FrameSyncRequest || len(payload) != 0 {
		t.Fatalf("DecodeFrame() = %v, %x", ft, payload)
	}
}

func TestFrameErrors(t *testing.T) {
	if _, _, err := DecodeFrame(nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("DecodeFrame(nil) error = %v, want ErrShortFrame", err)
	}
	if _, _, err := DecodeFrame([]byte{0x7f}); err == nil {
		t.Fatalf("DecodeFrame(unknown type) expected error")
	}
}

// 关闭码表是对外协议，逐位一致。
func TestCloseCodes(t *testing.T) {
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"DocumentTooLarge", CloseDocumentTooLarge, 1009},
		{"AuthenticationFailed", CloseAuthenticationFailed, 4401},
		{"AuthorizationFailed", CloseAuthorizationFailed, 4403},
		{"TooManyConnections", CloseTooManyConnections, 4503},
		{"EditorUpdateRequired", CloseEditorUpdateRequired, 5000},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}
