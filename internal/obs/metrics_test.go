package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/auth/login":                    "/v1/auth/login",
		"/v1/users/01HXYZ/roles":            "/v1/users/:id/roles",
		"/v1/users/01HXYZ/roles/instructor": "/v1/users/:id/roles/:role",
		"/v1/compliance/01HXYZ/export":      "/v1/compliance/:id/export",
		"/v1/compliance/01HXYZ/deletion":    "/v1/compliance/:id/deletion",
		"/v1/audit?user_id=42":              "/v1/audit",
		"/v1/users/01HXYZ/unlock":           "/v1/users/:id/unlock",
		"/v1/compliance/01HXYZ":             "/v1/compliance/:id",
		"/v1/users/01HXYZ":                  "/v1/users/01HXYZ",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogRespectsLevel(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)
	defer SetLevel("info")

	SetLevel("warn")
	Log("info", "dropped", nil)
	Log("error", "kept", map[string]any{"component": "test"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["level"] != "error" || entry["component"] != "test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
