package policy

// TrustRule maps a participant pair to the trust level new relationships
// between them may carry. "*" matches any participant.
type TrustRule struct {
	Initiator  string
	Responder  string
	TrustLevel int
	Deny       bool
}

// specificity orders rules: exact pairs beat single wildcards beat the
// catch-all, regardless of file order.
func (r TrustRule) specificity() int {
	score := 0
	if r.Initiator != Wildcard {
		score += 2
	}
	if r.Responder != Wildcard {
		score++
	}
	return score
}

// Wildcard matches any participant in a trust rule.
const Wildcard = "*"

// TrustDirectory answers establish-time questions: may this pair open a
// relationship, and at what maximum trust level. No matching rule denies.
type TrustDirectory struct {
	rules []TrustRule
}

// NewTrustDirectory keeps rules in the given order; more specific rules win
// over less specific ones independent of position.
func NewTrustDirectory(rules []TrustRule) *TrustDirectory {
	return &TrustDirectory{rules: rules}
}

// Decide returns the maximum trust level allowed for the pair and whether
// the pair is allowed at all.
func (d *TrustDirectory) Decide(initiator, responder string) (int, bool) {
	bestSpec := -1
	var best TrustRule
	for _, r := range d.rules {
		if r.Initiator != Wildcard && r.Initiator != initiator {
			continue
		}
		if r.Responder != Wildcard && r.Responder != responder {
			continue
		}
		if s := r.specificity(); s > bestSpec {
			bestSpec = s
			best = r
		}
	}
	if bestSpec < 0 || best.Deny {
		return 0, false
	}
	return best.TrustLevel, true
}
