package channel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrDestinationBlocked is returned for destinations the policy refuses.
var ErrDestinationBlocked = errors.New("destination not allowed")

// DestinationPolicy filters submissions by destination. Deny patterns always
// win; when allow patterns exist a destination must match one of them.
type DestinationPolicy struct {
	deny  []*regexp.Regexp
	allow []*regexp.Regexp
}

// NewDestinationPolicy compiles the patterns. Both lists empty yields nil,
// which allows everything.
func NewDestinationPolicy(allow, deny []string) (*DestinationPolicy, error) {
	if len(allow) == 0 && len(deny) == 0 {
		return nil, nil
	}
	p := &DestinationPolicy{}
	var err error
	if p.deny, err = compilePatterns(deny); err != nil {
		return nil, fmt.Errorf("invalid deny pattern: %w", err)
	}
	if p.allow, err = compilePatterns(allow); err != nil {
		return nil, fmt.Errorf("invalid allow pattern: %w", err)
	}
	return p, nil
}

func (p *DestinationPolicy) Check(destination string) error {
	if p == nil {
		return nil
	}
	d := strings.ToLower(strings.TrimSpace(destination))
	for _, re := range p.deny {
		if re.MatchString(d) {
			return fmt.Errorf("%w: matches deny pattern %s", ErrDestinationBlocked, re)
		}
	}
	if len(p.allow) == 0 {
		return nil
	}
	for _, re := range p.allow {
		if re.MatchString(d) {
			return nil
		}
	}
	return fmt.Errorf("%w: no allow pattern matches", ErrDestinationBlocked)
}

// compilePatterns compiles case-insensitive, fully anchored patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
