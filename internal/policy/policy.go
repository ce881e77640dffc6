// Package policy gates which command paths a run may execute.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// allows its own path and every command below it, so "actions" admits
// "actions show". A command that signs must be listed by its exact path.
func CheckCommandAllowed(allowlist []string, commandPath string, signs bool) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == path {
			return nil
		}
		if !signs && strings.HasPrefix(path, entry+" ") {
			return nil
		}
	}
	if signs {
		return clierr.New(clierr.CodeBlocked, fmt.Sprintf("%q signs with the wallet and must be listed in --enable-commands", path))
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
