package executors

import "testing"

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Fix Login Bug!!":  "fix-login-bug",
		"  leading/trail ": "leading-trail",
		"UPPER_CASE":       "upper-case",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugifyTruncatesTo50Chars(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := slugify(long)
	if len(got) != 50 {
		t.Fatalf("expected slug truncated to 50 chars, got length %d", len(got))
	}
}
