package notify

import "testing"

func TestCallbackRoundTrip(t *testing.T) {
	token := EncodeCallback(CmdApproveTrust, "req-1")
	kind, id, err := DecodeCallback(token)
	if err != nil {
		t.Fatalf("DecodeCallback failed: %v", err)
	}
	if kind != CmdApproveTrust || id != "req-1" {
		t.Errorf("decoded %q / %q", kind, id)
	}
}

func TestDecodeCallbackRejects(t *testing.T) {
	for _, token := range []string{"", "cmd_approve", "cmd_approve|", "bogus_kind|req-1"} {
		if _, _, err := DecodeCallback(token); err == nil {
			t.Errorf("DecodeCallback(%q) should fail", token)
		}
	}
}

func TestAllKindsDecodable(t *testing.T) {
	for kind := range validKinds {
		if _, _, err := DecodeCallback(EncodeCallback(kind, "x")); err != nil {
			t.Errorf("kind %s failed round trip: %v", kind, err)
		}
	}
}
