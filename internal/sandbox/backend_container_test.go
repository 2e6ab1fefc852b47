package sandbox

import "testing"

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "'simple'"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectContainerRuntimeUnavailable(t *testing.T) {
	if cliAvailable(string(runtimePodman), "version") || cliAvailable(string(runtimeDocker), "version") {
		t.Skip("a container runtime is installed on this host, skipping unavailable-path test")
	}
	if _, err := detectContainerRuntime(); err == nil {
		t.Error("expected an error when neither docker nor podman is on PATH")
	}
}

func TestNewContainerDriverImplementsEphemeralDriver(t *testing.T) {
	if !cliAvailable(string(runtimePodman), "version") && !cliAvailable(string(runtimeDocker), "version") {
		t.Skip("no container runtime installed, skipping driver construction test")
	}
	driver, err := newContainerDriver(Config{Name: "test"})
	if err != nil {
		t.Fatalf("newContainerDriver: %v", err)
	}
	if _, ok := driver.(EphemeralDriver); !ok {
		t.Error("containerDriver should implement EphemeralDriver")
	}
	if driver.Backend() != BackendOCIContainer {
		t.Errorf("Backend() = %v, want BackendOCIContainer", driver.Backend())
	}
}
