package ns

import "testing"

func TestResetRoundTrip(t *testing.T) {
	p := BuildReset(CauseNetworkServiceUnavailable, 7, 42)
	raw := p.Encode()

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != PDUReset {
		t.Fatalf("expected RESET, got %v", got.Type)
	}
	if nsvci, ok := got.NSVCI(); !ok || nsvci != 7 {
		t.Fatalf("expected nsvci=7, got %v ok=%v", nsvci, ok)
	}
	if nsei, ok := got.NSEI(); !ok || nsei != 42 {
		t.Fatalf("expected nsei=42, got %v ok=%v", nsei, ok)
	}
	if cause, ok := got.Cause(); !ok || cause != CauseNetworkServiceUnavailable {
		t.Fatalf("expected cause=0, got %v ok=%v", cause, ok)
	}
}

func TestUnitDataRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	p := BuildUnitData(99, payload)
	raw := p.Encode()

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != PDUUnitData {
		t.Fatalf("expected UNITDATA, got %v", got.Type)
	}
	if got.BVCI != 99 {
		t.Fatalf("expected bvci=99, got %d", got.BVCI)
	}
	if string(got.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %x want %x", got.Payload, payload)
	}
}

func TestDecodeShortPDU(t *testing.T) {
	if _, err := Decode(nil); err != ErrShortPDU {
		t.Fatalf("expected ErrShortPDU, got %v", err)
	}
	if _, err := Decode([]byte{byte(PDUUnitData), 0, 0}); err != ErrShortPDU {
		t.Fatalf("expected ErrShortPDU for truncated unitdata, got %v", err)
	}
}

func TestDecodeTruncatedIE(t *testing.T) {
	// RESET type followed by a tag/length claiming 5 bytes but only 1 present.
	raw := []byte{byte(PDUReset), byte(IECause), 5, 0x00}
	if _, err := Decode(raw); err != ErrUnknownIE {
		t.Fatalf("expected ErrUnknownIE, got %v", err)
	}
}

func TestUnblockHasNoIEs(t *testing.T) {
	p := BuildUnblock()
	raw := p.Encode()
	if len(raw) != 1 {
		t.Fatalf("expected 1-byte UNBLOCK PDU, got %d bytes", len(raw))
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != PDUUnblock || len(got.IEs) != 0 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestStatusWithEmbeddedPDU(t *testing.T) {
	nsvci := uint16(3)
	orig := BuildBlock(CauseNetworkServiceUnavailable, nsvci).Encode()
	p := BuildStatus(CauseProtocolError, &nsvci, orig)
	raw := p.Encode()

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	embedded, ok := got.Find(IEPDU)
	if !ok {
		t.Fatal("expected embedded PDU IE")
	}
	if string(embedded) != string(orig) {
		t.Fatalf("embedded PDU mismatch: got %x want %x", embedded, orig)
	}
}
