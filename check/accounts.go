package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// accountPaths are tried in order against the list_accounts result until one
// yields identifiers.
var accountPaths = []string{
	"data.#.email_address",
	"#.email_address",
	"accounts.#.email_address",
	"data.#.id",
	"#.id",
	"accounts.#.id",
}

// DiscoverAccounts asks the server for its configured accounts and returns
// their identifiers in server order. Email addresses are preferred over ids.
func DiscoverAccounts(ctx context.Context, caller Caller) ([]string, error) {
	payload, err := caller.CallTool(ctx, "list_accounts", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list_accounts: %w", err)
	}
	if message, failed := reportedFailure(payload); failed {
		return nil, fmt.Errorf("list_accounts: %s", message)
	}

	for _, path := range accountPaths {
		var accounts []string
		seen := make(map[string]struct{})
		for _, value := range gjson.GetBytes(payload, path).Array() {
			id := strings.TrimSpace(value.String())
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			accounts = append(accounts, id)
		}
		if len(accounts) > 0 {
			return accounts, nil
		}
	}
	return nil, nil
}
