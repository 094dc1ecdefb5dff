// Package validator provides JSON schema validation for workflow
// submissions and agent registrations.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates workflow submissions and agent registrations.
type Validator struct {
	workflowSchema *jsonschema.Schema
	agentSchema    *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	if err := compiler.AddResource("agent.json", strings.NewReader(agentSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add agent schema: %w", err)
	}

	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	agentSchema, err := compiler.Compile("agent.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}

	return &Validator{
		workflowSchema: workflowSchema,
		agentSchema:    agentSchema,
	}, nil
}

// ValidateWorkflow validates a decoded workflow submission.
func (v *Validator) ValidateWorkflow(workflow map[string]interface{}) *ValidationResult {
	return v.validate(v.workflowSchema, workflow)
}

// ValidateAgent validates a decoded agent registration.
func (v *Validator) ValidateAgent(agent map[string]interface{}) *ValidationResult {
	return v.validate(v.agentSchema, agent)
}

// ValidateWorkflowJSON validates a JSON-encoded workflow submission.
func (v *Validator) ValidateWorkflowJSON(data []byte) *ValidationResult {
	var workflow map[string]interface{}
	if err := json.Unmarshal(data, &workflow); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateWorkflow(workflow)
}

// ValidateAgentJSON validates a JSON-encoded agent registration.
func (v *Validator) ValidateAgentJSON(data []byte) *ValidationResult {
	var agent map[string]interface{}
	if err := json.Unmarshal(data, &agent); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateAgent(agent)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schemas

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Submission",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable workflow name"
    },
    "failure_policy": {
      "type": "string",
      "enum": ["fail_fast", "best_effort"],
      "description": "Reaction to a required task failing"
    },
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "model"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$",
            "description": "Unique node identifier within the workflow"
          },
          "name": {"type": "string"},
          "model": {
            "type": "string",
            "minLength": 1,
            "description": "Model identifier the task must run on"
          },
          "prompt": {"type": "string"},
          "depends_on": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["node_id"],
              "properties": {
                "node_id": {"type": "string"},
                "required": {"type": "boolean"}
              }
            }
          },
          "priority": {
            "type": "integer",
            "minimum": 0,
            "maximum": 3,
            "description": "0=low 1=normal 2=high 3=critical"
          },
          "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
          "token_limit": {"type": "integer", "minimum": 0},
          "cost_limit": {"type": "number", "minimum": 0},
          "allowed_tools": {"type": "array", "items": {"type": "string"}},
          "denied_tools": {"type": "array", "items": {"type": "string"}},
          "contract_ttl_seconds": {"type": "integer", "minimum": 0},
          "risk_score": {"type": "number", "minimum": 0, "maximum": 1},
          "action": {"type": "string"},
          "approvers": {"type": "array", "items": {"type": "string"}},
          "required_approvals": {"type": "integer", "minimum": 0},
          "approval_ttl_seconds": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const agentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "agent.json",
  "title": "Agent Registration",
  "type": "object",
  "required": ["id", "model", "provider"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9._-]*$",
      "description": "Unique agent identifier"
    },
    "name": {"type": "string"},
    "model": {
      "type": "string",
      "minLength": 1,
      "description": "Model identifier the agent serves"
    },
    "provider": {
      "type": "string",
      "enum": ["anthropic", "openai", "google", "local"]
    },
    "max_load": {
      "type": "integer",
      "minimum": 1,
      "description": "Concurrent task capacity"
    },
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`
