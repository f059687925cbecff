package pricefeed

import "testing"

func TestDollarsToCents(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100.00", 10000},
		{"100", 10000},
		{"99.995", 10000}, // rounds to nearest cent
		{"0.01", 1},
		{"65432.19", 6543219},
	}
	for _, c := range cases {
		got, err := dollarsToCents(c.in)
		if err != nil {
			t.Fatalf("dollarsToCents(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("dollarsToCents(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestDollarsToCentsInvalid(t *testing.T) {
	if _, err := dollarsToCents("not-a-number"); err == nil {
		t.Fatal("expected error for invalid input")
	}
}
