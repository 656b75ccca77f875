package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(KindProxyIgnored, "proxy ignored connect")
	wrapped := fmt.Errorf("attempt 2: %w", base)
	if KindOf(wrapped) != KindProxyIgnored {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if !Is(wrapped, KindProxyIgnored) {
		t.Error("Is() should see through wrapping")
	}
}

func TestIsTransientWrite(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"device Not Connected", true},
		{"peer disconnected", true},
		{"GATT_BUSY", true},
		{"request timeout", true},
		{"link reset by peer", true},
		{"permission denied", false},
		{"unsupported model", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := IsTransientWrite(errors.New(tt.msg)); got != tt.want {
				t.Errorf("IsTransientWrite(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
	if !IsTransientWrite(New(KindBLETimeout, "x")) {
		t.Error("ble timeout kind should be transient")
	}
}

func TestIsDeadAPI(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"read ECONNRESET", true},
		{"write after end", true},
		{"unknown protocol selected by server", true},
		{"bad format: frame length 9000", true},
		{"api not ready", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := IsDeadAPI(errors.New(tt.msg)); got != tt.want {
				t.Errorf("IsDeadAPI(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestIsConnectRetryWindow(t *testing.T) {
	if !IsConnectRetryWindow(errors.New("esphome api not ready")) {
		t.Error("api-not-ready message should be in the retry window")
	}
	if !IsConnectRetryWindow(errors.New("socket is not connected")) {
		t.Error("socket-not-connected should be in the retry window")
	}
	if IsConnectRetryWindow(errors.New("permission denied")) {
		t.Error("unrelated error should not be in the retry window")
	}
}

func TestIsBLETimeoutMarker(t *testing.T) {
	if !IsBLETimeout(errors.New("waiting for BluetoothGATTGetServicesDoneResponse")) {
		t.Error("services-done marker should classify as timeout")
	}
}

func TestErrorString(t *testing.T) {
	e := Wrap(KindSocket, "dial 10.0.0.50:6053", errors.New("connection refused"))
	want := "dial 10.0.0.50:6053: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if errors.Unwrap(e) == nil {
		t.Error("Unwrap() should expose the cause")
	}
}
