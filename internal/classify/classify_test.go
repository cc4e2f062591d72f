package classify

import (
	"reflect"
	"testing"
)

func testRuleset() Ruleset {
	return Ruleset{
		MajorPatterns:  []string{`commonwealth`, `inditex`},
		MinorPatterns:  []string{`ритейлер`, `супермаркет`, `тц\s`},
		MinorThreshold: 2,
	}
}

func TestClassifyScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		text     string
		rs       Ruleset
		relevant bool
		major    int
		minor    int
	}{
		{
			name:     "major match alone is relevant",
			text:     "Commonwealth открыл офис в Москве",
			rs:       testRuleset(),
			relevant: true,
			major:    1,
		},
		{
			name:     "minors below threshold are irrelevant",
			text:     "Известный ритейлер отчитался о выручке",
			rs:       testRuleset(),
			relevant: false,
			minor:    1,
		},
		{
			name:     "minors at threshold are relevant",
			text:     "Открылся новый ТЦ , в котором работает ритейлер",
			rs:       testRuleset(),
			relevant: true,
			minor:    2,
		},
		{
			name:     "case insensitive matching",
			text:     "INDITEX и РИТЕЙЛЕР",
			rs:       testRuleset(),
			relevant: true,
			major:    1,
			minor:    1,
		},
		{
			name: "threshold below one is treated as one",
			text: "супермаркет у дома",
			rs: Ruleset{
				MinorPatterns:  []string{`супермаркет`},
				MinorThreshold: 0,
			},
			relevant: true,
			minor:    1,
		},
		{
			name:     "no matches",
			text:     "Погода в Москве",
			rs:       testRuleset(),
			relevant: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Classify(tt.text, tt.rs)
			if v.IsRelevant != tt.relevant {
				t.Fatalf("IsRelevant = %v, want %v (verdict %+v)", v.IsRelevant, tt.relevant, v)
			}
			if v.MajorCount != tt.major {
				t.Fatalf("MajorCount = %d, want %d", v.MajorCount, tt.major)
			}
			if v.MinorCount != tt.minor {
				t.Fatalf("MinorCount = %d, want %d", v.MinorCount, tt.minor)
			}
		})
	}
}

func TestClassifyEmptyText(t *testing.T) {
	t.Parallel()
	v := Classify("", testRuleset())
	if v.IsRelevant || v.MajorCount != 0 || v.MinorCount != 0 || len(v.MatchedPatterns) != 0 {
		t.Fatalf("expected zero verdict for empty text, got %+v", v)
	}
}

func TestClassifyMatchedPatternOrder(t *testing.T) {
	t.Parallel()
	v := Classify("Inditex и Commonwealth договорились с ритейлером", testRuleset())
	want := []string{"MAJOR: commonwealth", "MAJOR: inditex", "MINOR: ритейлер"}
	if !reflect.DeepEqual(v.MatchedPatterns, want) {
		t.Fatalf("MatchedPatterns = %v, want %v", v.MatchedPatterns, want)
	}
}

func TestClassifySkipsInvalidPattern(t *testing.T) {
	t.Parallel()
	rs := Ruleset{
		MajorPatterns:  []string{`(`, `inditex`},
		MinorThreshold: 1,
	}
	v := Classify("inditex выходит на рынок", rs)
	if !v.IsRelevant || v.MajorCount != 1 {
		t.Fatalf("expected the valid pattern to still match, got %+v", v)
	}
}

func TestCompileExpr(t *testing.T) {
	t.Parallel()
	if _, err := CompileExpr(`тц\s`); err != nil {
		t.Fatalf("CompileExpr valid: %v", err)
	}
	if _, err := CompileExpr(`(`); err == nil {
		t.Fatal("expected error for unbalanced group")
	}
}
