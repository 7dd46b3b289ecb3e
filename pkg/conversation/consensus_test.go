package conversation

import "testing"

func responses(bodies ...string) []Response {
	out := make([]Response, len(bodies))
	for i, b := range bodies {
		out[i] = Response{Agent: string(rune('a' + i)), Body: b}
	}
	return out
}

func TestConsensusVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		bodies  []string
		verdict string
	}{
		{"equal values", []string{"1250", "1250"}, VerdictMatch},
		{"comma grouping", []string{"1,250", "1,250"}, VerdictMatch},
		{"within one percent", []string{"1250", "1260"}, VerdictNearMatch},
		{"within five percent", []string{"1000", "1040"}, VerdictClose},
		{"wide spread", []string{"1000", "1250"}, VerdictDisagree},
		{"currency prefix", []string{"$1250", "1250"}, VerdictMatch},
		{"embedded number", []string{"about 1250 total", "1250"}, VerdictMatch},
		{"string equality", []string{"yes", "YES"}, VerdictMatch},
		{"string disagreement", []string{"yes", "no"}, VerdictDisagree},
		{"single response", []string{"1250"}, VerdictInsufficient},
		{"no responses", nil, VerdictNoData},
		{"three way near", []string{"100", "100.5", "99.9"}, VerdictNearMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeConsensus(responses(tt.bodies...))
			if got.Verdict != tt.verdict {
				t.Fatalf("verdict = %q, want %q (values %v)", got.Verdict, tt.verdict, got.Values)
			}
		})
	}
}

func TestConsensusParsesValues(t *testing.T) {
	result := ComputeConsensus(responses("1,250", "1,250"))
	if len(result.Values) != 2 || result.Values[0] != 1250 || result.Values[1] != 1250 {
		t.Fatalf("values = %v, want [1250 1250]", result.Values)
	}
}

func TestConsensusDiscrepancyReported(t *testing.T) {
	result := ComputeConsensus(responses("1000", "1250"))
	if result.Discrepancy == "" {
		t.Fatal("disagree verdict without discrepancy detail")
	}
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1250", 1250, true},
		{"1,250", 1250, true},
		{"$1,250.50", 1250.50, true},
		{"≈1250", 1250, true},
		{"-12.5", -12.5, true},
		{"roughly 47 tanks", 47, true},
		{"no idea", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseNumeric(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseNumeric(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
