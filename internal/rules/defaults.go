// Package rules ships the default classification ruleset.
package rules

import (
	"fmt"
	"sync"

	_ "embed"

	"go.yaml.in/yaml/v3"

	"newsbot/internal/classify"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type defaults struct {
	FeedURL          string   `yaml:"feed_url"`
	MinMinorRequired int      `yaml:"min_minor_required"`
	MajorPatterns    []string `yaml:"major_patterns"`
	MinorPatterns    []string `yaml:"minor_patterns"`
}

var loadOnce = sync.OnceValue(func() defaults {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// The file is embedded; a decode failure is a build defect.
		panic(fmt.Sprintf("rules: defaults.yaml: %v", err))
	}
	for _, p := range append(append([]string(nil), d.MajorPatterns...), d.MinorPatterns...) {
		if _, err := classify.CompileExpr(p); err != nil {
			panic(fmt.Sprintf("rules: default pattern %q: %v", p, err))
		}
	}
	if d.MinMinorRequired < 1 {
		d.MinMinorRequired = 1
	}
	return d
})

// Default returns a fresh copy of the shipped ruleset.
func Default() classify.Ruleset {
	d := loadOnce()
	return classify.Ruleset{
		MajorPatterns:  append([]string(nil), d.MajorPatterns...),
		MinorPatterns:  append([]string(nil), d.MinorPatterns...),
		MinorThreshold: d.MinMinorRequired,
	}
}

// DefaultFeedURL returns the shipped feed source.
func DefaultFeedURL() string { return loadOnce().FeedURL }
