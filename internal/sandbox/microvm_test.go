package sandbox

import (
	"encoding/json"
	"testing"
)

func TestGuestRequestCarriesStdin(t *testing.T) {
	req := guestRequest{
		Command: []string{"sh", "-c", "cat > /tmp/x"},
		Stdin:   []byte("file contents"),
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded guestRequest
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(decoded.Stdin) != "file contents" {
		t.Errorf("Stdin = %q after roundtrip, want %q", decoded.Stdin, "file contents")
	}
}

func TestGuestRequestOmitsEmptyStdin(t *testing.T) {
	line, err := json.Marshal(guestRequest{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := raw["stdin"]; ok {
		t.Error("plain exec requests should not carry a stdin field")
	}
}
