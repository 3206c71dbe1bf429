package check

import (
	"fmt"
	"strings"
)

// Schema failure reasons.
const (
	ReasonMissingName        = "Missing name"
	ReasonMissingInputSchema = "Missing inputSchema"
	ReasonInvalidSchemaType  = "Invalid schema type"
	ReasonMissingProperties  = "Missing properties"
	ReasonInvalidJSONSchema  = "Invalid JSON Schema"
)

// SchemaError reports a malformed tool descriptor.
type SchemaError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *SchemaError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// extractionPreview is how many characters of chatbot text an
// ExtractionError quotes.
const extractionPreview = 80

// ExtractionError reports chatbot text with no usable scalar.
type ExtractionError struct {
	Text string
}

func (e *ExtractionError) Error() string {
	if e == nil {
		return ""
	}
	text := strings.Join(strings.Fields(e.Text), " ")
	if runes := []rune(text); len(runes) > extractionPreview {
		text = string(runes[:extractionPreview]) + "..."
	}
	return fmt.Sprintf("No integer found in chatbot response: %q", text)
}

// FieldError reports a direct result without the designated integer field.
// It is classified with invocation failures.
type FieldError struct {
	Field string
	Value string
}

func (e *FieldError) Error() string {
	if e == nil {
		return ""
	}
	if e.Value == "" {
		return fmt.Sprintf("field %q missing in direct result", e.Field)
	}
	return fmt.Sprintf("field %q is not an integer in direct result (got %s)", e.Field, e.Value)
}

// MismatchError reports disagreeing chatbot and direct values.
type MismatchError struct {
	Chatbot int64
	Direct  int64
}

func (e *MismatchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("Mismatch: chatbot=%d, direct=%d", e.Chatbot, e.Direct)
}
