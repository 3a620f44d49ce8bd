package models

import "testing"

func TestKindFromString(t *testing.T) {
	cases := []struct {
		jobType string
		want    JobKind
	}{
		{"import", KindImport},
		{"convert", KindConvert},
		{"", KindOther},
		{"reindex", KindOther},
	}
	for _, tc := range cases {
		if got := KindFromString(tc.jobType); got != tc.want {
			t.Errorf("KindFromString(%q) = %v, want %v", tc.jobType, got, tc.want)
		}
	}
}

func TestKindStringRoundTrip(t *testing.T) {
	for _, k := range []JobKind{KindImport, KindConvert} {
		if KindFromString(k.String()) != k {
			t.Errorf("round trip failed for %v", k)
		}
	}
}

func TestCurrentProgress(t *testing.T) {
	var j Job
	if j.CurrentProgress() != 0 {
		t.Fatalf("nil progress should read 0, got %d", j.CurrentProgress())
	}
	p := 42
	j.Progress = &p
	if j.CurrentProgress() != 42 {
		t.Fatalf("got %d, want 42", j.CurrentProgress())
	}
}
