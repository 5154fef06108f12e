// Package monitor validates inbound notification envelopes against JSON
// schemas before any order work starts.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// WebhookSchema is the minimal contract of a processor webhook body.
const WebhookSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["event_name", "content"],
	"properties": {
		"event_name": {"type": "string", "minLength": 1},
		"content": {
			"type": "object",
			"required": ["order"],
			"properties": {
				"order": {
					"type": "object",
					"required": ["order_id"],
					"properties": {
						"order_id": {"type": ["string", "number"], "minLength": 1}
					}
				}
			}
		}
	}
}`

// ReturnSchema is the contract of the return-redirect parameter set.
const ReturnSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["order_id"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"signature": {"type": "string"}
	}
}`

// ContractMonitor validates documents against one compiled schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles an inline schema.
func NewContractMonitor(schema string) (*ContractMonitor, error) {
	return compile(gojsonschema.NewStringLoader(schema), "inline schema")
}

// NewContractMonitorFromFile compiles the schema at schemaPath, which is
// absolute or relative to the working directory.
func NewContractMonitorFromFile(schemaPath string) (*ContractMonitor, error) {
	return compile(gojsonschema.NewReferenceLoader("file://"+schemaPath), schemaPath)
}

func compile(loader gojsonschema.JSONLoader, name string) (*ContractMonitor, error) {
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: s}, nil
}

// Validate checks a JSON body. It returns true if valid, or false and the
// validation errors. A body that is not JSON is an error.
func (cm *ContractMonitor) Validate(body []byte) (bool, []string, error) {
	return cm.validate(gojsonschema.NewBytesLoader(body))
}

// ValidateParams checks a flat parameter map.
func (cm *ContractMonitor) ValidateParams(params map[string]string) (bool, []string, error) {
	doc := make(map[string]interface{}, len(params))
	for k, v := range params {
		doc[k] = v
	}
	return cm.validate(gojsonschema.NewGoLoader(doc))
}

func (cm *ContractMonitor) validate(doc gojsonschema.JSONLoader) (bool, []string, error) {
	result, err := cm.schema.Validate(doc)
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors joins validation errors into one message.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
