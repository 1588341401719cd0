package dnswire

import (
	"testing"

	dns "golang.org/x/net/dns/dnsmessage"

	"github.com/ZZBTheChaos/iodine/internal/query"
)

func TestBuildAnswerRoundTrip(t *testing.T) {
	q := &query.Query{ID: 0xBEEF, Name: "abc123.t.example.com", Type: query.RRTypeNULL}
	payload := []byte("hello from the tunnel")

	raw, err := BuildAnswer(q, payload)
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}

	var parser dns.Parser
	hdr, err := parser.Start(raw)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if !hdr.Response {
		t.Error("built message is not marked as a response")
	}
	if hdr.ID != q.ID {
		t.Errorf("header ID = %#x, want %#x", hdr.ID, q.ID)
	}

	if _, err := parser.Question(); err != nil {
		t.Fatalf("parse question: %v", err)
	}

	rhdr, err := parser.AnswerHeader()
	if err != nil {
		t.Fatalf("parse answer header: %v", err)
	}
	if rhdr.Type != dns.Type(query.RRTypeNULL) {
		t.Errorf("answer type = %v, want NULL (%d)", rhdr.Type, query.RRTypeNULL)
	}

	res, err := parser.UnknownResource()
	if err != nil {
		t.Fatalf("parse resource body: %v", err)
	}
	if string(res.Data) != string(payload) {
		t.Errorf("resource data = %q, want %q", res.Data, payload)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"ABC.Example.Com.": "abc.example.com",
		"abc.example.com":  "abc.example.com",
	}
	for in, want := range cases {
		if got := normalizeName(in); got != want {
			t.Errorf("normalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureTrailingDot(t *testing.T) {
	if got := ensureTrailingDot("example.com"); got != "example.com." {
		t.Errorf("ensureTrailingDot() = %q", got)
	}
	if got := ensureTrailingDot("example.com."); got != "example.com." {
		t.Errorf("ensureTrailingDot() changed an already-dotted name: %q", got)
	}
}
