package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	cases := []struct {
		name        string
		in          string
		want        string
		wantChanged bool
	}{
		{
			name: "clean text untouched",
			in:   "do you have the Clubmaster in stock?",
			want: "do you have the Clubmaster in stock?",
		},
		{
			name:        "email",
			in:          "send it to mario.rossi@example.com please",
			want:        "send it to [REDACTED_EMAIL] please",
			wantChanged: true,
		},
		{
			name:        "phone",
			in:          "call me at +39 02 1234 5678",
			want:        "call me at [REDACTED_PHONE]",
			wantChanged: true,
		},
		{
			name:        "card number beats phone rule",
			in:          "my card is 4111 1111 1111 1111 thanks",
			want:        "my card is [REDACTED_CARD] thanks",
			wantChanged: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := RedactPII(tc.in)
			if got != tc.want {
				t.Fatalf("RedactPII() = %q, want %q", got, tc.want)
			}
			if changed != tc.wantChanged {
				t.Fatalf("RedactPII() changed = %v, want %v", changed, tc.wantChanged)
			}
		})
	}
}

func TestRedactPIIMultipleHits(t *testing.T) {
	got, changed := RedactPII("a@b.io or c@d.io")
	if !changed {
		t.Fatalf("RedactPII() changed = false")
	}
	if strings.Count(got, "[REDACTED_EMAIL]") != 2 {
		t.Fatalf("RedactPII() = %q, want both emails masked", got)
	}
}
