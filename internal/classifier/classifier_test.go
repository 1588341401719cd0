package classifier

import "testing"

func TestClassifyInsideZone(t *testing.T) {
	prefix, ok := Classify("abc123.t.example.com", "t.example.com")
	if !ok {
		t.Fatal("Classify() = false, want true")
	}
	if prefix != "abc123" {
		t.Errorf("prefix = %q, want %q", prefix, "abc123")
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	_, ok := Classify("ABC.T.EXAMPLE.COM", "t.example.com")
	if !ok {
		t.Error("Classify() case-insensitive match failed")
	}
}

func TestClassifyOutsideZone(t *testing.T) {
	_, ok := Classify("unrelated.example.net", "t.example.com")
	if ok {
		t.Error("Classify() = true for a name outside the zone")
	}
}

func TestClassifyNameShorterThanSuffix(t *testing.T) {
	_, ok := Classify("com", "t.example.com")
	if ok {
		t.Error("Classify() = true for a name shorter than the topdomain")
	}
}

func TestValidateTopDomain(t *testing.T) {
	valid := []string{"t.example.com", "a.b", "tunnel-1.example.co"}
	for _, d := range valid {
		if err := ValidateTopDomain(d); err != nil {
			t.Errorf("ValidateTopDomain(%q) = %v, want nil", d, err)
		}
	}

	invalid := []string{
		"",
		".example.com",
		"example.com.",
		"ex ample.com",
		"a..b",
		string(make([]byte, MaxTopDomainLen+1)),
	}
	for _, d := range invalid {
		if err := ValidateTopDomain(d); err == nil {
			t.Errorf("ValidateTopDomain(%q) = nil, want error", d)
		}
	}
}
