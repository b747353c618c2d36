package signature

import "testing"

func TestBuild_DeterministicAcrossCalls(t *testing.T) {
	p := Payload{Product: "synqra", Prompt: "hello world", Metadata: map[string]any{"a": 1, "b": 2}}
	s1, err := Build(p)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := Build(p)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatalf("expected deterministic signature, got %s vs %s", s1, s2)
	}
}

func TestBuild_MetadataKeyOrderDoesNotAffectSignature(t *testing.T) {
	a := Payload{Prompt: "x", Metadata: map[string]any{"a": 1, "b": 2, "c": 3}}
	b := Payload{Prompt: "x", Metadata: map[string]any{"c": 3, "b": 2, "a": 1}}
	sa, err := Build(a)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := Build(b)
	if err != nil {
		t.Fatal(err)
	}
	if sa != sb {
		t.Fatalf("map key order should not affect signature: %s vs %s", sa, sb)
	}
}

func TestBuild_DifferentPromptsDiffer(t *testing.T) {
	s1, _ := Build(Payload{Prompt: "hello"})
	s2, _ := Build(Payload{Prompt: "goodbye"})
	if s1 == s2 {
		t.Fatal("different prompts must not collide")
	}
}

func TestBuild_NilMetadataEqualsEmptyMetadata(t *testing.T) {
	s1, _ := Build(Payload{Prompt: "x", Metadata: nil})
	s2, _ := Build(Payload{Prompt: "x", Metadata: map[string]any{}})
	if s1 != s2 {
		t.Fatalf("nil and empty metadata should produce the same signature: %s vs %s", s1, s2)
	}
}

func TestBuild_IsHexSHA256(t *testing.T) {
	s, err := Build(Payload{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%s)", len(s), s)
	}
}
