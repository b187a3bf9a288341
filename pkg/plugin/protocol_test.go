package plugin

import (
	"strings"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"success", `{"status":"success","result":{"latitude":48.8566}}`, ""},
		{"error", `{"status":"error","message":"Could not find coordinates for: X"}`, ""},
		{"string result", `{"status":"success","result":"Eiffel Tower is in Paris"}`, ""},
		{"not json", `<html>`, "decode envelope"},
		{"trailing data", `{"status":"success","result":{}}garbage`, "decode envelope"},
		{"null result", `{"status":"success","result":null}`, "without result"},
		{"both", `{"status":"error","message":"x","result":{}}`, "carries a result"},
		{"bad status", `{"status":"ok","result":{}}`, "unknown status"},
		{"empty message", `{"status":"error"}`, "without message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeEnvelopeTooLarge(t *testing.T) {
	big := make([]byte, MaxMessageSize+1)
	if _, err := DecodeEnvelope(big); err == nil {
		t.Error("expected size error")
	}
}

func TestMethodNames(t *testing.T) {
	if InvokeMethod != "/atlas.capability.v1.CapabilityHost/Invoke" {
		t.Errorf("InvokeMethod = %q", InvokeMethod)
	}
}
