package tools

import (
	"errors"
	"strings"
	"testing"
)

func TestScrubInputsBlocksPayloadKeys(t *testing.T) {
	for _, key := range []string{"payload_bytes", "shellcode", "SessionPassword", "api_secret"} {
		err := ScrubInputs(map[string]any{key: "x"})
		if !errors.Is(err, ErrContentBlocked) {
			t.Errorf("key %q: want ErrContentBlocked, got %v", key, err)
		}
	}
}

func TestScrubInputsBlocksOversizedValues(t *testing.T) {
	err := ScrubInputs(map[string]any{
		"query": strings.Repeat("a ", maxInlineValueLen),
	})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("want ErrContentBlocked, got %v", err)
	}
}

func TestScrubInputsBlocksBinaryContent(t *testing.T) {
	err := ScrubInputs(map[string]any{"query": "MZ\x90\x00\x03"})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("want ErrContentBlocked, got %v", err)
	}
}

func TestScrubInputsBlocksEncodedBlobs(t *testing.T) {
	// 512 base64 characters decodes cleanly; the shape of an inlined stager.
	blob := strings.Repeat("QUFBQQ==", 64)
	blob = strings.ReplaceAll(blob, "=", "") + "=="
	err := ScrubInputs(map[string]any{"module_path": blob})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("want ErrContentBlocked, got %v", err)
	}
}

func TestScrubInputsAllowsNormalValues(t *testing.T) {
	err := ScrubInputs(map[string]any{
		"module_path": "exploit/multi/http/example_rce",
		"host":        "web.example.com",
		"port":        443,
		"check_only":  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScrubResultRedactsInPlaceOfFailing(t *testing.T) {
	result := map[string]any{
		"status":   "completed",
		"hashdump": "aad3b435b51404ee:aad3b435b51404ee",
		"stdout":   strings.Repeat("x", maxInlineValueLen+1),
		"nested": map[string]any{
			"password": "hunter2",
			"job_id":   "17",
		},
	}

	got := ScrubResult(result)

	if got["status"] != "completed" {
		t.Errorf("status must pass through, got %v", got["status"])
	}
	if got["hashdump"] != redactedMarker {
		t.Errorf("hashdump must be redacted, got %v", got["hashdump"])
	}
	if got["stdout"] != redactedMarker {
		t.Errorf("oversized stdout must be redacted, got %v", got["stdout"])
	}
	nested, ok := got["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %v", got["nested"])
	}
	if nested["password"] != redactedMarker {
		t.Errorf("nested password must be redacted, got %v", nested["password"])
	}
	if nested["job_id"] != "17" {
		t.Errorf("nested job_id must pass through, got %v", nested["job_id"])
	}

	// Original untouched.
	if result["hashdump"] == redactedMarker {
		t.Error("ScrubResult must not mutate its input")
	}
}

func TestScrubResultFiltersArrayElements(t *testing.T) {
	blob := strings.Repeat("QUJD", 150) // 600 base64 chars, decodes cleanly
	result := map[string]any{
		"sessions": []any{
			map[string]any{
				"session_id": "3",
				"hashdump":   "aad3b435b51404ee:aad3b435b51404ee",
			},
			"healthy-element",
			blob,
		},
		"matrix": []any{
			[]any{"ok", "MZ\x90\x00\x03"},
		},
	}

	got := ScrubResult(result)

	sessions, ok := got["sessions"].([]any)
	if !ok {
		t.Fatalf("sessions array lost: %v", got["sessions"])
	}
	record, ok := sessions[0].(map[string]any)
	if !ok {
		t.Fatalf("session record lost: %v", sessions[0])
	}
	if record["hashdump"] != redactedMarker {
		t.Errorf("hashdump inside array record must be redacted, got %v", record["hashdump"])
	}
	if record["session_id"] != "3" {
		t.Errorf("session_id must pass through, got %v", record["session_id"])
	}
	if sessions[1] != "healthy-element" {
		t.Errorf("clean element must pass through, got %v", sessions[1])
	}
	if sessions[2] != redactedMarker {
		t.Errorf("encoded blob inside array must be redacted, got %v", sessions[2])
	}

	inner, ok := got["matrix"].([]any)[0].([]any)
	if !ok {
		t.Fatalf("nested array lost: %v", got["matrix"])
	}
	if inner[0] != "ok" || inner[1] != redactedMarker {
		t.Errorf("nested array not scrubbed element-wise: %v", inner)
	}

	// Original untouched.
	if result["sessions"].([]any)[2] != blob {
		t.Error("ScrubResult must not mutate its input")
	}
}

func TestScrubInputsWalksArraysAndNestedObjects(t *testing.T) {
	binary := []any{"fine", "MZ\x90\x00\x03"}
	if err := ScrubInputs(map[string]any{"hosts": binary}); !errors.Is(err, ErrContentBlocked) {
		t.Errorf("binary array element: want ErrContentBlocked, got %v", err)
	}

	nested := map[string]any{"options": map[string]any{"shellcode": "x"}}
	if err := ScrubInputs(nested); !errors.Is(err, ErrContentBlocked) {
		t.Errorf("blocked key in nested object: want ErrContentBlocked, got %v", err)
	}

	clean := map[string]any{
		"hosts":   []any{"web.example.com", "db.example.com"},
		"options": map[string]any{"timeout": 30},
	}
	if err := ScrubInputs(clean); err != nil {
		t.Errorf("clean structured inputs must pass: %v", err)
	}
}

func TestScrubResultNil(t *testing.T) {
	if got := ScrubResult(nil); got != nil {
		t.Fatalf("want nil, got %v", got)
	}
}
