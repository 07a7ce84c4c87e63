package identity

import "testing"

func TestResolvePrefersEmail(t *testing.T) {
	got := Resolve("  Sam@Example.COM ", "203.0.113.9:51234")
	if got != "sam@example.com" {
		t.Fatalf("Resolve() = %q, want %q", got, "sam@example.com")
	}
}

func TestResolveAnonymousFromAddr(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "host with port", addr: "203.0.113.9:51234", want: "anonymous-203.0.113.9@feedbackhub.local"},
		{name: "bare host", addr: "203.0.113.9", want: "anonymous-203.0.113.9@feedbackhub.local"},
		{name: "ipv6 with port", addr: "[2001:db8::1]:443", want: "anonymous-2001:db8::1@feedbackhub.local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve("", tt.addr); got != tt.want {
				t.Fatalf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSameAddrSameIdentity(t *testing.T) {
	first := Resolve("", "203.0.113.9:1111")
	second := Resolve("", "203.0.113.9:2222")
	if first != second {
		t.Fatalf("identities differ across ports: %q vs %q", first, second)
	}
}
