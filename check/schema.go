package check

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/TexasFortress-AI/mcpcheck/session"
)

// ValidateSchemas lists the advertised tools and checks every descriptor
// independently, producing one "Schema: <name>" outcome per tool.
func ValidateSchemas(ctx context.Context, lister Lister) []Outcome {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return []Outcome{Fail("Schema listing", err.Error())}
	}
	return CheckSchemas(tools)
}

// CheckSchemas produces one outcome per descriptor in listing order.
func CheckSchemas(tools []session.ToolDescriptor) []Outcome {
	outcomes := make([]Outcome, 0, len(tools))
	for i, tool := range tools {
		name := schemaOutcomeName(i, tool.Name)
		if err := ValidateSchema(tool); err != nil {
			outcomes = append(outcomes, Fail(name, err.Error()))
			continue
		}
		outcomes = append(outcomes, Pass(name, "Valid schema"))
	}
	return outcomes
}

func schemaOutcomeName(index int, name string) string {
	if strings.TrimSpace(name) == "" {
		return fmt.Sprintf("Schema: <unnamed #%d>", index)
	}
	return "Schema: " + name
}

// ValidateSchema checks one descriptor. The returned error is a
// *SchemaError.
func ValidateSchema(tool session.ToolDescriptor) error {
	if strings.TrimSpace(tool.Name) == "" {
		return &SchemaError{Tool: tool.Name, Reason: ReasonMissingName}
	}

	raw := bytes.TrimSpace(tool.InputSchema)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &SchemaError{Tool: tool.Name, Reason: ReasonMissingInputSchema}
	}

	var schema map[string]any
	if raw[0] != '{' || json.Unmarshal(raw, &schema) != nil {
		return &SchemaError{Tool: tool.Name, Reason: ReasonInvalidSchemaType}
	}
	if _, ok := schema["properties"]; !ok {
		return &SchemaError{Tool: tool.Name, Reason: ReasonMissingProperties}
	}

	if err := compileSchema(tool.Name, raw); err != nil {
		return &SchemaError{Tool: tool.Name, Reason: ReasonInvalidJSONSchema, Err: err}
	}
	return nil
}

func compileSchema(name string, raw []byte) error {
	compiler := jsonschema.NewCompiler()
	location := "mem://tools/" + url.PathEscape(name) + ".json"
	if err := compiler.AddResource(location, bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err := compiler.Compile(location)
	return err
}

// RequiredParams returns the sorted "required" entries of a tool schema.
// Malformed schemas yield nil.
func RequiredParams(raw json.RawMessage) []string {
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	out := slices.Clone(schema.Required)
	slices.Sort(out)
	return out
}

// DescribeCatalog renders the advertised tools sorted by name, one per line,
// with whether each is expected and its required parameters. Missing expected
// tools follow.
func DescribeCatalog(tools []session.ToolDescriptor, expected ExpectedCatalog) string {
	sorted := slices.Clone(tools)
	slices.SortFunc(sorted, func(a, b session.ToolDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSTATUS\tREQUIRED")
	for _, tool := range sorted {
		status := "expected"
		if !expected.Contains(tool.Name) {
			status = "unexpected"
		}
		required := strings.Join(RequiredParams(tool.InputSchema), ", ")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name, status, required)
	}
	_ = w.Flush()

	diff := DiffCatalog(tools, expected)
	for _, name := range diff.Missing {
		fmt.Fprintf(&buf, "missing: %s\n", name)
	}
	return buf.String()
}
