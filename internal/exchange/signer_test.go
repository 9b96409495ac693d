package exchange

import (
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestCanonicalizeSortsKeys(t *testing.T) {
	query := Canonicalize(map[string]string{
		"symbol":   "ABCUSDT",
		"side":     "BUY",
		"quantity": "1.5",
	})
	want := "quantity=1.5&side=BUY&symbol=ABCUSDT"
	if query != want {
		t.Fatalf("canonical query = %q, want %q", query, want)
	}
}

func TestSignDeterministic(t *testing.T) {
	s := NewSigner(testSecret)
	params := map[string]string{"symbol": "ABCUSDT", "side": "BUY"}

	q1, sig1 := s.Sign(params, 1700000000000, 5000)
	q2, sig2 := s.Sign(params, 1700000000000, 5000)

	if q1 != q2 || sig1 != sig2 {
		t.Fatalf("signing the same params and timestamp twice differed: %q vs %q", sig1, sig2)
	}
	if !strings.Contains(q1, "timestamp=1700000000000") {
		t.Errorf("query missing timestamp: %q", q1)
	}
	if !strings.Contains(q1, "recvWindow=5000") {
		t.Errorf("query missing recvWindow: %q", q1)
	}
}

func TestSignTimestampChangesSignature(t *testing.T) {
	s := NewSigner(testSecret)
	params := map[string]string{"symbol": "ABCUSDT"}

	_, sig1 := s.Sign(params, 1700000000000, 5000)
	_, sig2 := s.Sign(params, 1700000000001, 5000)
	if sig1 == sig2 {
		t.Fatal("different timestamps produced the same signature")
	}
}

func TestSignatureIsLowercaseHex(t *testing.T) {
	s := NewSigner(testSecret)
	_, sig := s.Sign(map[string]string{"a": "b"}, 1700000000000, 0)
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	for _, r := range sig {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("signature contains non-hex rune %q", r)
		}
	}
}

func TestVerify(t *testing.T) {
	s := NewSigner(testSecret)
	query, sig := s.Sign(map[string]string{"symbol": "ABCUSDT"}, 1700000000000, 5000)

	if !s.Verify(query, sig) {
		t.Fatal("signature failed verification")
	}
	if s.Verify(query, sig[:63]+"0") {
		t.Fatal("tampered signature passed verification")
	}
	if s.Verify(query+"&x=1", sig) {
		t.Fatal("tampered query passed verification")
	}
}
