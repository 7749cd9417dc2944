package aischema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed topic_summary.schema.json
var topicSummarySchemaJSON string

// TopicSummary is the validated shape a summarizer response must take.
// All four fields are required; a response missing any of them is rejected
// whole, never partially applied.
type TopicSummary struct {
	Title                string `json:"title"`
	TitleLocalized       string `json:"title_localized"`
	Description          string `json:"description"`
	DescriptionLocalized string `json:"description_localized"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateTopicSummaryPayload checks a raw summarizer response against the
// topic summary schema and returns the decoded result.
func ValidateTopicSummaryPayload(payload json.RawMessage) (*TopicSummary, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var summary TopicSummary
	if err := json.Unmarshal(normalized, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if strings.TrimSpace(summary.Title) == "" ||
		strings.TrimSpace(summary.TitleLocalized) == "" ||
		strings.TrimSpace(summary.Description) == "" ||
		strings.TrimSpace(summary.DescriptionLocalized) == "" {
		return nil, fmt.Errorf("summary fields must not be blank")
	}

	return &summary, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("topic_summary.schema.json", strings.NewReader(topicSummarySchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("topic_summary.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}
