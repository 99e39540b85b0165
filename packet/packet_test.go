package packet

import (
	"testing"

	"github.com/go-test/deep"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Version: 2, Type: 3, NetworkID: 0x0001, Destination: 0xFFFFFFFFFFFFFFFF, Source: 0x01},
		{Version: 0, Type: 0, NetworkID: 0, Destination: 0, Source: 0},
		{Version: 255, Type: 255, NetworkID: 0xBEEF, Destination: 0x1122334455667788, Source: 0x8877665544332211},
	}
	for _, h := range cases {
		b := h.Encode(nil)
		if len(b) != HeaderSize {
			t.Fatalf("encoded length = %d, want %d", len(b), HeaderSize)
		}
		got, err := DecodeHeader(b)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if diff := deep.Equal(got, h); diff != nil {
			t.Errorf("round trip mismatch: %v", diff)
		}
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestGatewayInfoRoundTrip(t *testing.T) {
	var stats [32]byte
	for i := range stats {
		stats[i] = byte(i)
	}
	g := GatewayInfo{Address: 0xDEADBEEFCAFE, NetworkID: 7, ScheduleID: 2, ScheduleStats: stats}
	b := g.Encode(nil)
	if len(b) != GatewayInfoSize {
		t.Fatalf("encoded length = %d, want %d", len(b), GatewayInfoSize)
	}
	got, err := DecodeGatewayInfo(b)
	if err != nil {
		t.Fatalf("DecodeGatewayInfo: %v", err)
	}
	if diff := deep.Equal(got, g); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestGatewayInfoBits(t *testing.T) {
	var g GatewayInfo
	g.ScheduleStats[0] = 0xFF
	bits := g.Bits()
	if len(bits) != 137 {
		t.Fatalf("len(bits) = %d, want 137", len(bits))
	}
}

func TestNodeInfoCloudRoundTrip(t *testing.T) {
	n := NodeInfoCloud{GatewayAddress: 0x01, NodeAddress: 0x02}
	b := n.Encode(nil)
	got, err := DecodeNodeInfoCloud(b)
	if err != nil {
		t.Fatalf("DecodeNodeInfoCloud: %v", err)
	}
	if diff := deep.Equal(got, n); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestNodeStatsReplyRoundTrip(t *testing.T) {
	s := NodeStatsReply{RxAppPackets: 80, TxAppPackets: 200}
	b := s.Encode(nil)
	got, err := DecodeNodeStatsReply(b)
	if err != nil {
		t.Fatalf("DecodeNodeStatsReply: %v", err)
	}
	if diff := deep.Equal(got, s); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestDecodeTooShortVariants(t *testing.T) {
	if _, err := DecodeGatewayInfo(make([]byte, 3)); err == nil {
		t.Error("expected error")
	}
	if _, err := DecodeNodeInfoCloud(make([]byte, 3)); err == nil {
		t.Error("expected error")
	}
	if _, err := DecodeNodeStatsReply(make([]byte, 3)); err == nil {
		t.Error("expected error")
	}
}
