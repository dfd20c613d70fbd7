package logging

import "testing"

func TestMaskFieldHidesSensitiveKeys(t *testing.T) {
	attr := MaskField("dsn", "postgres://user:hunter2@db/claimchain")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("dsn must be masked, got %s", attr.Value.String())
	}
	attr = MaskField("policy", "7")
	if attr.Value.String() != "7" {
		t.Fatalf("non-sensitive key must pass through, got %s", attr.Value.String())
	}
	attr = MaskField("token", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value must pass through, got %s", attr.Value.String())
	}
}

func TestMaskTokenKeepsCorrelationPrefix(t *testing.T) {
	token := "eyJhbGciOiJIUzI1NiJ9.payload.signature"
	masked := MaskToken(token)
	if masked != "eyJhbGci"+RedactedValue {
		t.Fatalf("unexpected mask %s", masked)
	}
	if MaskToken("short") != RedactedValue {
		t.Fatal("short tokens must be fully redacted")
	}
}
