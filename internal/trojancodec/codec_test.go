package trojancodec

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestHashPasswordLength(t *testing.T) {
	h := HashPassword("hunter2")
	if len(h) != 56 {
		t.Fatalf("expected 56 hex chars, got %d: %q", len(h), h)
	}
}

func TestEncodeRequestBitExact(t *testing.T) {
	hash := HashPassword("hunter2")
	dst := Addr{IP: netip.MustParseAddr("93.184.216.34"), Port: 0xBB}

	buf, err := EncodeRequest(nil, hash, CmdConnect, dst)
	if err != nil {
		t.Fatal(err)
	}

	if string(buf[:56]) != hash {
		t.Fatalf("password hash mismatch")
	}
	if buf[56] != '\r' || buf[57] != '\n' {
		t.Fatalf("missing CRLF after password hash")
	}
	if Command(buf[58]) != CmdConnect {
		t.Fatalf("expected CmdConnect, got %x", buf[58])
	}
	if buf[59] != atypIPv4 {
		t.Fatalf("expected IPv4 atyp, got %x", buf[59])
	}
	ipBytes := buf[60:64]
	if !bytes.Equal(ipBytes, []byte{93, 184, 216, 34}) {
		t.Fatalf("ip mismatch: %v", ipBytes)
	}
	port := buf[64:66]
	if port[0] != 0x00 || port[1] != 0xBB {
		t.Fatalf("port mismatch: %v", port)
	}
	if buf[66] != '\r' || buf[67] != '\n' {
		t.Fatalf("missing trailing CRLF")
	}
	if len(buf) != 68 {
		t.Fatalf("unexpected total length %d", len(buf))
	}
}

func TestEncodeUDPDomainAddr(t *testing.T) {
	addr := Addr{Domain: "example.com", Port: 53}
	buf, err := EncodeUDP(nil, addr, 28)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != atypDomain || buf[1] != 11 {
		t.Fatalf("bad domain header: %v", buf[:2])
	}
	if string(buf[2:13]) != "example.com" {
		t.Fatalf("bad domain: %q", buf[2:13])
	}
}

func TestParseUDPRoundTrip(t *testing.T) {
	addr := Addr{IP: netip.MustParseAddr("8.8.8.8"), Port: 53}
	payload := bytes.Repeat([]byte{0xAB}, 28)

	header, err := EncodeUDP(nil, addr, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	trailer := []byte("rest-of-stream")
	full := append(append(append([]byte{}, header...), payload...), trailer...)

	pkt, err := ParseUDP(full)
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if pkt.Length != len(payload) {
		t.Fatalf("length mismatch: got %d want %d", pkt.Length, len(payload))
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if !bytes.Equal(pkt.Rest, trailer) {
		t.Fatalf("rest mismatch: got %q want %q", pkt.Rest, trailer)
	}
	if pkt.Addr.Port != 53 || pkt.Addr.IP != addr.IP {
		t.Fatalf("addr mismatch: %+v", pkt.Addr)
	}
}

func TestParseUDPContinuedOnShortPayload(t *testing.T) {
	addr := Addr{IP: netip.MustParseAddr("8.8.8.8"), Port: 53}
	header, err := EncodeUDP(nil, addr, 28)
	if err != nil {
		t.Fatal(err)
	}
	short := append(header, bytes.Repeat([]byte{1}, 27)...) // one byte short

	_, err = ParseUDP(short)
	if err != ErrContinued {
		t.Fatalf("expected ErrContinued, got %v", err)
	}
}

func TestParseUDPInvalidProtocol(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},                    // truncated ipv4 atyp
		{0x05, 0, 0, 0, 0, 0, 53}, // bad atyp
	}
	for _, c := range cases {
		if _, err := ParseUDP(c); err != ErrInvalidProtocol {
			t.Fatalf("input %v: expected ErrInvalidProtocol, got %v", c, err)
		}
	}
}
