// Package tools projects the tool catalog into the wire schema the AI
// expects and gates invocations behind per-caller PIN verification
// before forwarding them to Home Assistant.
package tools

import (
	"sort"

	"github.com/voicebridge/voicebridge/internal/config"
)

const pinParamDescription = "Voice PIN code for authentication as an integer. " +
	"The user will say this verbally (e.g., 'one one eight three three' for PIN 11833). " +
	"The voice input will be converted to an integer."

const pinGuidance = `

IMPORTANT: Some tools require PIN authentication. When calling a tool that requires a PIN:
1. If the PIN parameter is missing from the tool call arguments, ask the user: "Please provide your PIN code to proceed."
2. The user will speak their PIN code verbally.
3. Extract the PIN from what the user says. The PIN can be any length and might be spoken as digits or as a number sequence.
4. Call the tool again with the PIN included in the arguments.
5. If the PIN is incorrect, inform the user and ask them to try again.`

// Property is one JSON-schema property in a tool definition.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is the JSON-schema parameter block of a tool definition.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Definition is one tool as presented to the AI session.
type Definition struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Project builds the AI-facing definitions for the granted tool names.
// Unknown names are skipped. For PIN-gated tools an optional integer
// "pin" parameter is synthesized; it is stripped again before any
// request leaves the gateway.
func Project(catalog *config.Catalog, granted []string) []Definition {
	var defs []Definition

	for _, name := range granted {
		spec, ok := catalog.Tool(name)
		if !ok {
			continue
		}

		def := Definition{
			Type:        "function",
			Name:        name,
			Description: spec.Description,
			Parameters: Schema{
				Type:       "object",
				Properties: map[string]Property{},
			},
		}

		var required []string
		for pname, p := range spec.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			def.Parameters.Properties[pname] = Property{
				Type:        typ,
				Description: p.Description,
				Enum:        p.Enum,
			}
			if p.Required {
				required = append(required, pname)
			}
		}
		sort.Strings(required)
		def.Parameters.Required = required

		if spec.RequiresPin {
			// Optional on purpose: the AI asks for the value when a
			// call without it is rejected.
			def.Parameters.Properties["pin"] = Property{
				Type:        "integer",
				Description: pinParamDescription,
			}
		}

		defs = append(defs, def)
	}

	return defs
}

// EnhanceInstructions appends the PIN elicitation guidance when any
// granted tool is PIN-gated.
func EnhanceInstructions(instructions string, catalog *config.Catalog, granted []string) string {
	for _, name := range granted {
		if spec, ok := catalog.Tool(name); ok && spec.RequiresPin {
			return instructions + pinGuidance
		}
	}
	return instructions
}
