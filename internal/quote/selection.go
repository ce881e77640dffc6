package quote

import (
	"fmt"

	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

// Policy is the per-network selection override. When Preferred is set, an
// executable positive candidate from it is always selected and Backup is
// treated as its fallback.
type Policy struct {
	Preferred providers.Source
	Backup    providers.Source
}

func PolicyFor(network registry.Network) Policy {
	var p Policy
	if s, ok := providers.ParseSource(network.PreferredSource); ok {
		p.Preferred = s
	}
	if s, ok := providers.ParseSource(network.BackupSource); ok {
		p.Backup = s
	}
	return p
}

// Selection is the outcome of applying the policy to one round.
type Selection struct {
	BestOverall    *providers.Candidate
	BestExecutable *providers.Candidate
	Selected       *providers.Candidate
}

// pickBest returns the candidate with the largest output; on ties the
// earlier candidate is kept.
func pickBest(cands []*providers.Candidate, keep func(*providers.Candidate) bool) *providers.Candidate {
	var best *providers.Candidate
	for _, c := range cands {
		if !c.Positive() || (keep != nil && !keep(c)) {
			continue
		}
		if best == nil || c.QuotedOut.Cmp(best.QuotedOut) > 0 {
			best = c
		}
	}
	return best
}

func Select(cands []*providers.Candidate, policy Policy) Selection {
	sel := Selection{
		BestOverall:    pickBest(cands, nil),
		BestExecutable: pickBest(cands, func(c *providers.Candidate) bool { return c.Executable }),
	}
	sel.Selected = sel.BestExecutable
	if sel.Selected == nil {
		sel.Selected = sel.BestOverall
	}
	if policy.Preferred == "" {
		return sel
	}
	for _, c := range cands {
		if c.Source == policy.Preferred && c.Executable && c.Positive() {
			sel.Selected = c
			break
		}
	}
	return sel
}

// Notices lists advisory messages for a selection in display order.
func Notices(slippage Slippage, recipientValid bool, policy Policy, sel Selection) []string {
	var notices []string
	if slippage.Warning != "" {
		notices = append(notices, slippage.Warning)
	}
	if !recipientValid {
		notices = append(notices, "Recipient must be a valid address.")
	}
	selected, best := sel.Selected, sel.BestOverall
	if policy.Preferred != "" && policy.Backup != "" && selected != nil && selected.Source == policy.Backup {
		notices = append(notices, fmt.Sprintf("Using %s backup route because %s quote is unavailable.", policy.Backup.VenueName(), policy.Preferred.Label()))
	}
	suppress := policy.Preferred != "" && selected != nil && best != nil &&
		selected.Source == policy.Preferred && best.Source == policy.Backup
	if best != nil && selected != nil && best.Source != selected.Source && !suppress {
		if best.Executable {
			notices = append(notices, fmt.Sprintf("Using %s by preference; %s has a higher quoted amount.", selected.Label(), best.Label()))
		} else {
			notices = append(notices, fmt.Sprintf("Best quote from %s is not executable for current recipient.", best.Label()))
		}
	}
	return notices
}
