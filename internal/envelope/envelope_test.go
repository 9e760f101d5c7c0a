package envelope

import (
	"strings"
	"testing"
)

func TestValidateNormalizesTypeAndSource(t *testing.T) {
	obj := map[string]interface{}{
		"type":    "  Knowledge.Observatory.Published.V1  ",
		"source":  "  semantAH  ",
		"payload": map[string]interface{}{"url": "https://example.com"},
	}

	env, err := Validate(obj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != "knowledge.observatory.published.v1" {
		t.Errorf("type not normalized: %q", env.Type)
	}
	if env.Source != "semantAH" {
		t.Errorf("source not trimmed: %q", env.Source)
	}
}

func TestValidateAcceptsNullArrayPrimitivePayload(t *testing.T) {
	for _, payload := range []interface{}{nil, []interface{}{1, 2}, 42, "string", true} {
		obj := map[string]interface{}{"type": "t", "source": "s", "payload": payload}
		if _, err := Validate(obj); err != nil {
			t.Errorf("payload %#v rejected: %v", payload, err)
		}
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []map[string]interface{}{
		{"source": "s", "payload": 1},
		{"type": "t", "payload": 1},
		{"type": "t", "source": "s"},
	}
	for _, obj := range cases {
		if _, err := Validate(obj); err == nil {
			t.Errorf("expected error for %#v", obj)
		}
	}
}

func TestValidateRejectsEmptyAfterTrim(t *testing.T) {
	obj := map[string]interface{}{"type": "   ", "source": "s", "payload": 1}
	if _, err := Validate(obj); err == nil {
		t.Error("expected error for all-whitespace type")
	}
}

func TestValidateBoundaryLength(t *testing.T) {
	ok := strings.Repeat("a", maxFieldLength)
	obj := map[string]interface{}{"type": ok, "source": "s", "payload": 1}
	if _, err := Validate(obj); err != nil {
		t.Errorf("256 chars should be accepted: %v", err)
	}

	tooLong := strings.Repeat("a", maxFieldLength+1)
	obj["type"] = tooLong
	if _, err := Validate(obj); err == nil {
		t.Error("257 chars should be rejected")
	}
}

func TestValidateTrimsBeforeLengthCheck(t *testing.T) {
	padded := strings.Repeat("a", maxFieldLength) + "   "
	obj := map[string]interface{}{"type": padded, "source": "s", "payload": 1}
	if _, err := Validate(obj); err != nil {
		t.Errorf("whitespace-padded 256 should be accepted: %v", err)
	}
}

func TestValidateRejectsNonObjectBody(t *testing.T) {
	if _, err := Validate(nil); err == nil {
		t.Error("expected error for nil object")
	}
}

func TestMarshalJSONExactlyThreeFields(t *testing.T) {
	env, err := Validate(map[string]interface{}{"type": "t", "source": "s", "payload": map[string]interface{}{"a": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := env.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if len(parsed) != 3 {
		t.Errorf("expected exactly 3 keys, got %d: %v", len(parsed), parsed)
	}
	for _, key := range []string{"type", "source", "payload"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
}

func TestPayloadRepoKey(t *testing.T) {
	env, _ := Validate(map[string]interface{}{"type": "t", "source": "s", "payload": map[string]interface{}{"repo": "octo/cat"}})
	if got := env.PayloadRepoKey(); got != "octo/cat" {
		t.Errorf("expected octo/cat, got %q", got)
	}

	env2, _ := Validate(map[string]interface{}{"type": "t", "source": "s", "payload": []interface{}{1}})
	if got := env2.PayloadRepoKey(); got != "" {
		t.Errorf("expected empty for non-object payload, got %q", got)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("expected parse error")
	}
}
