package gitlab

import "testing"

func TestIsConfiguredRequiresServerAndToken(t *testing.T) {
	if (Config{Server: "https://gitlab.example.com"}).IsConfigured() {
		t.Fatalf("expected IsConfigured false without a token")
	}
	if !(Config{Server: "https://gitlab.example.com", Token: "t"}).IsConfigured() {
		t.Fatalf("expected IsConfigured true with server and token set")
	}
}
