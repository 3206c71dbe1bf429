package check

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/TexasFortress-AI/mcpcheck/session"
)

// DefaultToolNames is the tool surface the mail server is expected to expose.
var DefaultToolNames = []string{
	"list_folders",
	"list_folders_hierarchical",
	"search_emails",
	"fetch_emails_with_mime",
	"atomic_move_message",
	"atomic_batch_move",
	"mark_as_deleted",
	"delete_messages",
	"undelete_messages",
	"expunge",
	"list_cached_emails",
	"get_email_by_uid",
	"get_email_by_index",
	"count_emails_in_folder",
	"get_folder_stats",
	"search_cached_emails",
	"list_accounts",
	"set_current_account",
}

// Lister lists the tools a server advertises.
type Lister interface {
	ListTools(ctx context.Context) ([]session.ToolDescriptor, error)
}

// ExpectedCatalog is an immutable set of tool names.
type ExpectedCatalog struct {
	names map[string]struct{}
}

// NewCatalog builds a catalog from names. Blank and duplicate names are
// ignored.
func NewCatalog(names ...string) ExpectedCatalog {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return ExpectedCatalog{names: set}
}

// DefaultCatalog returns the catalog built from DefaultToolNames.
func DefaultCatalog() ExpectedCatalog {
	return NewCatalog(DefaultToolNames...)
}

// Len is the number of expected tools.
func (c ExpectedCatalog) Len() int {
	return len(c.names)
}

// Contains reports whether name is expected.
func (c ExpectedCatalog) Contains(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns the expected names sorted.
func (c ExpectedCatalog) Names() []string {
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// CatalogDiff is the set comparison between expected and advertised names.
type CatalogDiff struct {
	Expected   int
	Advertised int
	Missing    []string
	Extra      []string
}

// Match reports whether the advertised surface equals the expected one.
func (d CatalogDiff) Match() bool {
	return d.Expected == d.Advertised && len(d.Missing) == 0 && len(d.Extra) == 0
}

// DiffCatalog compares advertised tools against expected. Missing and Extra
// are sorted and disjoint.
func DiffCatalog(tools []session.ToolDescriptor, expected ExpectedCatalog) CatalogDiff {
	advertised := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		advertised[tool.Name] = struct{}{}
	}

	diff := CatalogDiff{
		Expected:   expected.Len(),
		Advertised: len(tools),
	}
	for _, name := range expected.Names() {
		if _, ok := advertised[name]; !ok {
			diff.Missing = append(diff.Missing, name)
		}
	}
	for name := range advertised {
		if !expected.Contains(name) {
			diff.Extra = append(diff.Extra, name)
		}
	}
	slices.Sort(diff.Extra)
	return diff
}

// ValidateCatalog lists the advertised tools and compares them to expected.
func ValidateCatalog(ctx context.Context, lister Lister, expected ExpectedCatalog) []Outcome {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return []Outcome{Fail("List tools", err.Error())}
	}
	return CompareCatalog(tools, expected)
}

// CompareCatalog produces the catalog outcomes for an already listed surface.
func CompareCatalog(tools []session.ToolDescriptor, expected ExpectedCatalog) []Outcome {
	diff := DiffCatalog(tools, expected)

	outcomes := make([]Outcome, 0, 3)
	if diff.Advertised != diff.Expected {
		outcomes = append(outcomes, Failf("Tool count", "Expected %d tools, got %d", diff.Expected, diff.Advertised))
	} else {
		outcomes = append(outcomes, Pass("Tool count", fmt.Sprintf("%d tools", diff.Advertised)))
	}
	if len(diff.Missing) > 0 {
		outcomes = append(outcomes, Fail("Missing tools", "Missing: "+strings.Join(diff.Missing, ", ")))
	}
	if len(diff.Extra) > 0 {
		outcomes = append(outcomes, Fail("Extra tools", "Unexpected: "+strings.Join(diff.Extra, ", ")))
	}
	if diff.Match() {
		outcomes = append(outcomes, Pass("Tool names match", fmt.Sprintf("All %d expected tools present", diff.Expected)))
	}
	return outcomes
}
