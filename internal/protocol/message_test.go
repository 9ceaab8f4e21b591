package protocol

import (
	"strings"
	"testing"
)

func TestDecodeRejectsMalformedAndUntyped(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"ts":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	m, err := Decode([]byte(`{"type":"HEARTBEAT","ts":42}`))
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if m.Type != TypeHeartbeat || m.TS != 42 {
		t.Fatalf("unexpected message: %#v", m)
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	m, err := Decode([]byte(`{"type":"HELLO","peerId":"p1","deviceName":"A","futureField":{"x":1},"ts":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"hello ok", Message{Type: TypeHello, PeerID: "p1", DeviceName: "A"}, true},
		{"hello no peer", Message{Type: TypeHello, DeviceName: "A"}, false},
		{"hello no device", Message{Type: TypeHello, PeerID: "p1"}, false},
		{"join", Message{Type: TypeJoinRoom}, true},
		{"share empty", Message{Type: TypeShareFiles}, false},
		{"unshare empty", Message{Type: TypeUnshareFiles}, false},
		{"pull no transfer", Message{Type: TypeRelayPull, FileID: "f1"}, false},
		{"pull ok", Message{Type: TypeRelayPull, FileID: "f1", TransferID: "t1"}, true},
		{"meta bad sha", Message{Type: TypeRelayPushMeta, TransferID: "t1", FileID: "f1", Size: 1, SHA256: "zz"}, false},
		{"meta ok", Message{Type: TypeRelayPushMeta, TransferID: "t1", FileID: "f1", Size: 1, SHA256: strings.Repeat("a", 64)}, true},
		{"meta zero size", Message{Type: TypeRelayPushMeta, TransferID: "t1", FileID: "f1", SHA256: strings.Repeat("a", 64)}, false},
		{"unknown type", Message{Type: "SELF_DESTRUCT"}, false},
	}
	for _, tc := range cases {
		err := tc.msg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidSHA256(t *testing.T) {
	if !ValidSHA256(strings.Repeat("ab", 32)) {
		t.Fatal("expected valid digest")
	}
	if ValidSHA256(strings.Repeat("ab", 31)) {
		t.Fatal("short digest accepted")
	}
	if ValidSHA256(strings.Repeat("g", 64)) {
		t.Fatal("non-hex digest accepted")
	}
}

func TestNormalizePlatform(t *testing.T) {
	if got := NormalizePlatform("ios"); got != PlatformIOS {
		t.Fatalf("ios: got %q", got)
	}
	if got := NormalizePlatform("windows phone"); got != PlatformUnknown {
		t.Fatalf("unknown: got %q", got)
	}
}

func TestCloseReason(t *testing.T) {
	if CloseReason(CloseReplaced) != "REPLACED" {
		t.Fatal("bad replaced reason")
	}
	if CloseReason(CloseHeartbeatTimeout) != "HEARTBEAT_TIMEOUT" {
		t.Fatal("bad heartbeat reason")
	}
	if CloseReason(12345) != "NORMAL" {
		t.Fatal("unknown codes should map to NORMAL")
	}
}
