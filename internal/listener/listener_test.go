package listener

import "testing"

func TestParseYesNo(t *testing.T) {
	testCases := []struct {
		in    string
		value bool
		ok    bool
	}{
		{"y", true, true},
		{"yes", true, true},
		{"n", false, true},
		{"no", false, true},
		{"", false, false},
		{"maybe", false, false},
	}
	for _, tc := range testCases {
		value, ok := parseYesNo(tc.in)
		if value != tc.value || ok != tc.ok {
			t.Errorf("parseYesNo(%q) = (%v, %v), expected (%v, %v)", tc.in, value, ok, tc.value, tc.ok)
		}
	}
}
