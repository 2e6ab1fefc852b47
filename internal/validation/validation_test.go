package validation

import "testing"

func TestSandboxNameValid(t *testing.T) {
	for _, name := range []string{"my-sandbox", "test123", "My_Sandbox_1", "a", "a1b2c3"} {
		if err := SandboxName(name); err != nil {
			t.Errorf("SandboxName(%q) = %v, want nil", name, err)
		}
	}
}

func TestSandboxNameInvalid(t *testing.T) {
	cases := []string{
		"",
		repeat("a", 64),
		"test;rm -rf /",
		"test$(whoami)",
		"test`id`",
		"test&& echo hi",
		"../etc/passwd",
		"-test",
		"test-",
		"_test",
		"test_",
		"test--name",
		"test__name",
	}
	for _, name := range cases {
		if err := SandboxName(name); err == nil {
			t.Errorf("SandboxName(%q) = nil, want error", name)
		}
	}
}

func TestRuntimeValid(t *testing.T) {
	for _, r := range []string{"base", "python", "node", "rust"} {
		if err := Runtime(r); err != nil {
			t.Errorf("Runtime(%q) = %v, want nil", r, err)
		}
	}
}

func TestRuntimeInvalid(t *testing.T) {
	for _, r := range []string{"unknown", "../../../etc/passwd", "base; rm -rf /"} {
		if err := Runtime(r); err == nil {
			t.Errorf("Runtime(%q) = nil, want error", r)
		}
	}
}

func TestSeatbeltPathValid(t *testing.T) {
	for _, p := range []string{"/tmp/test", "/Users/test/workspace", "/var/folders/abc"} {
		if _, err := SeatbeltPath(p); err != nil {
			t.Errorf("SeatbeltPath(%q) = %v, want nil", p, err)
		}
	}
}

func TestSeatbeltPathInvalid(t *testing.T) {
	cases := []string{
		"",
		"tmp/test",
		"/tmp/../etc/passwd",
		"/tmp\")(allow default)\"",
		"/tmp\")",
	}
	for _, p := range cases {
		if _, err := SeatbeltPath(p); err == nil {
			t.Errorf("SeatbeltPath(%q) = nil, want error", p)
		}
	}
}

func TestDockerImageValid(t *testing.T) {
	for _, img := range []string{"alpine:3.20", "python:3.12-alpine", "ghcr.io/user/image:latest", "image@sha256:abc123"} {
		if err := DockerImage(img); err != nil {
			t.Errorf("DockerImage(%q) = %v, want nil", img, err)
		}
	}
}

func TestDockerImageInvalid(t *testing.T) {
	cases := []string{"", "alpine; rm -rf /", "alpine$(whoami)", "alpine`id`"}
	for _, img := range cases {
		if err := DockerImage(img); err == nil {
			t.Errorf("DockerImage(%q) = nil, want error", img)
		}
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
