package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestEscrowCreatedAttributes(t *testing.T) {
	evt := EscrowCreated{
		Code:        "trip",
		Creator:     testAddr(0x01),
		TotalAmount: big.NewInt(400),
		NumFriends:  4,
	}
	rendered := evt.Event()
	if rendered.Type != TypeEscrowCreated {
		t.Fatalf("type = %s", rendered.Type)
	}
	attrs := rendered.Attributes
	if attrs["code"] != "trip" || attrs["totalAmount"] != "400" || attrs["numFriends"] != "4" {
		t.Fatalf("attributes = %v", attrs)
	}
	creator := testAddr(0x01)
	if attrs["creator"] != hex.EncodeToString(creator[:]) {
		t.Fatalf("creator attribute = %s", attrs["creator"])
	}
}

func TestCancelledAttributesOmitEmptyFailures(t *testing.T) {
	evt := EscrowCancelled{Code: "trip", RefundCount: 3}
	attrs := evt.Event().Attributes
	if attrs["refundCount"] != "3" || attrs["failedCount"] != "0" {
		t.Fatalf("attributes = %v", attrs)
	}
	if _, ok := attrs["failed"]; ok {
		t.Fatal("failed attribute must be absent without failures")
	}

	evt.Failed = [][20]byte{testAddr(0x11), testAddr(0x12)}
	attrs = evt.Event().Attributes
	if attrs["failedCount"] != "2" || attrs["failed"] == "" {
		t.Fatalf("attributes = %v", attrs)
	}
}

func TestNilAmountsRenderAsZero(t *testing.T) {
	joined := ParticipantJoined{Code: "trip", Participant: testAddr(0x11), JoinedCount: 1}
	if joined.Event().Attributes["amount"] != "0" {
		t.Fatal("nil amount must render as 0")
	}
	completed := EscrowCompleted{Code: "trip"}
	if completed.Event().Attributes["totalDerivativeBalance"] != "0" {
		t.Fatal("nil derivative must render as 0")
	}
}
