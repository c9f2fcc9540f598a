package routing

import "testing"

func TestParseAllowlistYAML_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseAllowlistYAML([]byte{0xff})
	if err == nil {
		t.Fatal("expected yaml error")
	}

	_, err = ParseAllowlistYAML([]byte("version: 2\nentrypoints: {}"))
	if err == nil {
		t.Fatal("expected version error")
	}

	_, err = ParseAllowlistYAML([]byte("version: 1"))
	if err == nil {
		t.Fatal("expected entrypoints error")
	}
}

func TestParsePathPattern(t *testing.T) {
	t.Parallel()

	p, ok := parsePathPattern("/integrations/oauth/{provider}/callback")
	if !ok {
		t.Fatal("expected pattern")
	}
	if !p.Match("/integrations/oauth/google/callback") {
		t.Fatal("expected match")
	}
	if p.Match("/integrations/oauth/google/callback/extra") {
		t.Fatal("unexpected match")
	}

	if _, ok := parsePathPattern("/plain/path"); ok {
		t.Fatal("plain path must not parse as pattern")
	}
	if _, ok := parsePathPattern("/bad/{}"); ok {
		t.Fatal("empty param must not parse")
	}
}
