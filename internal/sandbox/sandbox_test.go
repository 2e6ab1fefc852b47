package sandbox

import "testing"

func TestBackendStringRoundTrip(t *testing.T) {
	tests := []struct {
		backend Backend
		str     string
	}{
		{BackendMicroVM, "microvm"},
		{BackendOCIContainer, "oci-container"},
		{BackendNativeContainer, "native-container"},
		{BackendProcessSandbox, "process-sandbox"},
		{BackendOrchestrator, "orchestrator"},
	}
	for _, tt := range tests {
		if got := tt.backend.String(); got != tt.str {
			t.Errorf("Backend(%d).String() = %q, want %q", tt.backend, got, tt.str)
		}
	}
}

func TestBackendStringUnknown(t *testing.T) {
	if got := Backend(99).String(); got != "unknown" {
		t.Errorf("Backend(99).String() = %q, want %q", got, "unknown")
	}
}

func TestParseBackendAliases(t *testing.T) {
	tests := []struct {
		tag  string
		want Backend
	}{
		{"microvm", BackendMicroVM},
		{"firecracker", BackendMicroVM},
		{"oci-container", BackendOCIContainer},
		{"docker", BackendOCIContainer},
		{"podman", BackendOCIContainer},
		{"native-container", BackendNativeContainer},
		{"apple", BackendNativeContainer},
		{"process-sandbox", BackendProcessSandbox},
		{"seatbelt", BackendProcessSandbox},
		{"orchestrator", BackendOrchestrator},
	}
	for _, tt := range tests {
		got, ok := ParseBackend(tt.tag)
		if !ok {
			t.Errorf("ParseBackend(%q) ok = false, want true", tt.tag)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestParseBackendUnknownRejected(t *testing.T) {
	if _, ok := ParseBackend("evil; rm -rf /"); ok {
		t.Error("ParseBackend should reject unknown tags rather than guessing")
	}
	if _, ok := ParseBackend(""); ok {
		t.Error("ParseBackend should reject an empty tag")
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("my-sandbox"); got != "agentkernel-my-sandbox" {
		t.Errorf("containerName = %q, want %q", got, "agentkernel-my-sandbox")
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Backend(99), Config{Name: "x"}); err == nil {
		t.Error("New with an unknown backend should return an error")
	}
}

func TestEnforcementErrorMessage(t *testing.T) {
	err := &EnforcementError{Gaps: []string{"network"}, Platform: "darwin"}
	got := err.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
}
