package check

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/TexasFortress-AI/mcpcheck/dashboard"
)

// DefaultMetadataPrefixes mark provider tag lines the chatbot prepends to
// its answers.
var DefaultMetadataPrefixes = []string{"[Provider:", "[Error - Provider:"}

const defaultProbeField = "count"

// Probe pairs a natural-language question with the direct tool call that
// answers the same fact.
type Probe struct {
	Name       string         `yaml:"name" json:"name"`
	Query      string         `yaml:"query" json:"query"`
	Folder     string         `yaml:"folder,omitempty" json:"folder,omitempty"`
	Tool       string         `yaml:"tool" json:"tool"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// Field is a gjson path into the direct result. When absent at the top
	// level it is also looked up under "data".
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// DefaultProbe asks for the INBOX message count.
func DefaultProbe() Probe {
	return Probe{
		Name:       "inbox-count",
		Query:      "How many emails do I have in INBOX?",
		Folder:     "INBOX",
		Tool:       "count_emails_in_folder",
		Parameters: map[string]any{"folder": "INBOX"},
		Field:      defaultProbeField,
	}
}

func (p Probe) field() string {
	if strings.TrimSpace(p.Field) == "" {
		return defaultProbeField
	}
	return p.Field
}

// ProbeResult holds the two scalars a probe compares.
type ProbeResult struct {
	Chatbot int64
	Direct  int64
	Text    string
}

// Chatbot answers natural-language queries.
type Chatbot interface {
	Query(ctx context.Context, req dashboard.QueryRequest) (dashboard.QueryResponse, error)
}

// Caller invokes a tool directly and returns its payload.
type Caller interface {
	CallTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error)
}

// Extractor selects the comparison scalar from chatbot text.
type Extractor func(text string) (int64, error)

// ConsistencyConfig configures a ConsistencyChecker.
type ConsistencyConfig struct {
	Chatbot          Chatbot
	Direct           Caller
	MetadataPrefixes []string
	Extract          Extractor
	Logger           *slog.Logger
}

// ConsistencyChecker compares chatbot answers with direct tool results.
type ConsistencyChecker struct {
	chatbot  Chatbot
	direct   Caller
	prefixes []string
	extract  Extractor
	logger   *slog.Logger
}

// NewConsistencyChecker validates cfg and applies defaults.
func NewConsistencyChecker(cfg ConsistencyConfig) (*ConsistencyChecker, error) {
	if cfg.Chatbot == nil {
		return nil, errors.New("check: consistency checker requires a chatbot")
	}
	if cfg.Direct == nil {
		return nil, errors.New("check: consistency checker requires a direct caller")
	}
	prefixes := cfg.MetadataPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultMetadataPrefixes
	}
	extract := cfg.Extract
	if extract == nil {
		extract = FirstInteger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{
		chatbot:  cfg.Chatbot,
		direct:   cfg.Direct,
		prefixes: prefixes,
		extract:  extract,
		logger:   logger,
	}, nil
}

// ConsistencyName is the outcome name for probe against account.
func ConsistencyName(probe Probe, account string) string {
	if account == "" {
		return "Consistency: " + probe.Name
	}
	return fmt.Sprintf("Consistency: %s [%s]", probe.Name, account)
}

// CheckFactConsistency asks the chatbot, calls the tool directly, and passes
// iff both integers are exactly equal.
func (c *ConsistencyChecker) CheckFactConsistency(ctx context.Context, probe Probe, account string) Outcome {
	result, err := c.Measure(ctx, probe, account)
	return consistencyOutcome(ConsistencyName(probe, account), result, err)
}

func consistencyOutcome(name string, result ProbeResult, err error) Outcome {
	if err != nil {
		return Fail(name, err.Error())
	}
	return Pass(name, fmt.Sprintf("chatbot=%d, direct=%d", result.Chatbot, result.Direct))
}

// Measure runs the probe steps in order and returns both values. A
// disagreement is reported as *MismatchError together with the result.
func (c *ConsistencyChecker) Measure(ctx context.Context, probe Probe, account string) (ProbeResult, error) {
	var result ProbeResult

	reply, err := c.chatbot.Query(ctx, dashboard.QueryRequest{
		Query:         probe.Query,
		AccountID:     account,
		CurrentFolder: probe.Folder,
	})
	if err != nil {
		return result, fmt.Errorf("Chatbot query failed: %w", err)
	}
	result.Text = reply.Text

	body := StripMetadata(reply.Text, c.prefixes)
	chatbotValue, err := c.extract(body)
	if err != nil {
		return result, err
	}
	result.Chatbot = chatbotValue

	params := make(map[string]any, len(probe.Parameters)+1)
	for key, value := range probe.Parameters {
		params[key] = value
	}
	if account != "" {
		params["account_id"] = account
	}

	payload, err := c.direct.CallTool(ctx, probe.Tool, params)
	if err != nil {
		return result, fmt.Errorf("Direct call failed: %w", err)
	}
	if message, failed := reportedFailure(payload); failed {
		return result, fmt.Errorf("Direct call failed: %s", message)
	}
	directValue, err := IntegerField(payload, probe.field())
	if err != nil {
		return result, err
	}
	result.Direct = directValue

	c.logger.Debug("consistency probe measured",
		slog.String("probe", probe.Name),
		slog.String("account", account),
		slog.Int64("chatbot", result.Chatbot),
		slog.Int64("direct", result.Direct),
	)
	if result.Chatbot != result.Direct {
		return result, &MismatchError{Chatbot: result.Chatbot, Direct: result.Direct}
	}
	return result, nil
}

// CheckAccounts runs probe once per account concurrently. Outcomes are in
// account order. A mismatch whose chatbot value equals another account's
// direct value is annotated as possible cross-account leakage.
func (c *ConsistencyChecker) CheckAccounts(ctx context.Context, probe Probe, accounts []string) []Outcome {
	if len(accounts) == 0 {
		return []Outcome{Fail("Consistency accounts", "no accounts available")}
	}

	type slot struct {
		result ProbeResult
		err    error
	}
	slots := make([]slot, len(accounts))

	var g errgroup.Group
	for i, account := range accounts {
		g.Go(func() error {
			result, err := c.Measure(ctx, probe, account)
			slots[i] = slot{result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]Outcome, 0, len(accounts))
	for i, account := range accounts {
		name := ConsistencyName(probe, account)
		current := slots[i]

		var mismatch *MismatchError
		if !errors.As(current.err, &mismatch) {
			outcomes = append(outcomes, consistencyOutcome(name, current.result, current.err))
			continue
		}

		detail := mismatch.Error()
		for j, other := range accounts {
			if j == i || !directMeasured(slots[j].err) {
				continue
			}
			if slots[j].result.Direct == mismatch.Chatbot && slots[j].result.Direct != mismatch.Direct {
				detail += fmt.Sprintf("; matches direct count of account %s (possible cross-account leakage)", other)
				break
			}
		}
		outcomes = append(outcomes, Fail(name, detail))
	}
	return outcomes
}

func directMeasured(err error) bool {
	if err == nil {
		return true
	}
	var mismatch *MismatchError
	return errors.As(err, &mismatch)
}

// StripMetadata drops leading lines that start with one of prefixes, along
// with blank lines among them. Stripping stops at the first other line.
func StripMetadata(text string, prefixes []string) string {
	lines := strings.Split(text, "\n")
	start := 0
	for start < len(lines) {
		trimmed := strings.TrimSpace(lines[start])
		if trimmed == "" || hasAnyPrefix(trimmed, prefixes) {
			start++
			continue
		}
		break
	}
	return strings.Join(lines[start:], "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

var integerPattern = regexp.MustCompile(`\b\d+\b`)

// FirstInteger returns the first run of decimal digits bounded by word
// boundaries.
func FirstInteger(text string) (int64, error) {
	match := integerPattern.FindString(text)
	if match == "" {
		return 0, &ExtractionError{Text: text}
	}
	value, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return 0, &ExtractionError{Text: text}
	}
	return value, nil
}

// IntegerField reads path from a direct result as an integer, falling back to
// data.<path> for enveloped results.
func IntegerField(payload json.RawMessage, path string) (int64, error) {
	value := gjson.GetBytes(payload, path)
	if !value.Exists() {
		value = gjson.GetBytes(payload, "data."+path)
	}
	if !value.Exists() {
		return 0, &FieldError{Field: path}
	}

	switch value.Type {
	case gjson.Number:
		if value.Num == math.Trunc(value.Num) && !math.IsInf(value.Num, 0) {
			return value.Int(), nil
		}
	case gjson.String:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64); err == nil {
			return parsed, nil
		}
	}
	return 0, &FieldError{Field: path, Value: value.Raw}
}

// reportedFailure detects {"success": false, "error": ...} envelopes.
func reportedFailure(payload json.RawMessage) (string, bool) {
	success := gjson.GetBytes(payload, "success")
	if !success.Exists() || success.Type != gjson.False {
		return "", false
	}
	message := strings.TrimSpace(gjson.GetBytes(payload, "error").String())
	if message == "" {
		message = "result reported success=false"
	}
	return message, true
}
