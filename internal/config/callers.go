package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const defaultInstructions = "You are a helpful assistant."

// Caller maps one phone number to a display name, an optional PIN and
// a named profile.
type Caller struct {
	Name    string `yaml:"name"`
	Pin     *int   `yaml:"pin"`
	Profile string `yaml:"profile"`
}

// Profile bundles language, an instruction template and the tools
// granted to callers using it. Instruction templates may reference the
// caller's display name as {{.Name}}.
type Profile struct {
	Language       string   `yaml:"language"`
	Instructions   string   `yaml:"instructions"`
	AvailableTools []string `yaml:"available_tools"`
}

// Callers is the caller profile configuration, loaded once at boot.
type Callers struct {
	Callers  map[string]Caller  `yaml:"callers"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// CallerSettings is the resolved, render-complete configuration for
// one incoming call.
type CallerSettings struct {
	Name         string
	Language     string
	Instructions string
	Tools        []string
	Pin          *int
}

// LoadCallers reads and validates the caller configuration at path.
func LoadCallers(path string) (*Callers, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("callers: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadCallersFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("callers: parse %q: %w", path, err)
	}
	return c, nil
}

// LoadCallersFromReader decodes caller configuration from r and
// validates the result.
func LoadCallersFromReader(r io.Reader) (*Callers, error) {
	c := &Callers{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := validateCallers(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validateCallers(c *Callers) error {
	var errs []error

	for num, caller := range c.Callers {
		if caller.Profile != "" {
			if _, ok := c.Profiles[caller.Profile]; !ok {
				errs = append(errs, fmt.Errorf("callers.%s.profile %q does not exist", num, caller.Profile))
			}
		}
	}
	for name, profile := range c.Profiles {
		if profile.Instructions != "" {
			if _, err := template.New(name).Parse(profile.Instructions); err != nil {
				errs = append(errs, fmt.Errorf("profiles.%s.instructions: %w", name, err))
			}
		}
	}

	return errors.Join(errs...)
}

// lookup finds the caller entry for an identity, trying the exact
// number, the number without a leading "+" and the number with one.
func (c *Callers) lookup(callerID string) (Caller, bool) {
	if caller, ok := c.Callers[callerID]; ok {
		return caller, true
	}
	if caller, ok := c.Callers[strings.TrimPrefix(callerID, "+")]; ok {
		return caller, true
	}
	if !strings.HasPrefix(callerID, "+") {
		if caller, ok := c.Callers["+"+callerID]; ok {
			return caller, true
		}
	}
	return Caller{}, false
}

// Pin returns the configured PIN for a caller, or nil when none is
// set.
func (c *Callers) Pin(callerID string) *int {
	caller, ok := c.lookup(callerID)
	if !ok {
		return nil
	}
	return caller.Pin
}

// Resolve returns the settings for an incoming call. Unknown callers
// and callers without a profile fall back to the "default" profile; if
// that does not exist either, hardcoded defaults apply.
func (c *Callers) Resolve(callerID string) CallerSettings {
	name := "Guest"
	var pin *int
	profileName := "default"

	if caller, ok := c.lookup(callerID); ok {
		if caller.Name != "" {
			name = caller.Name
		}
		pin = caller.Pin
		if caller.Profile != "" {
			profileName = caller.Profile
		}
	}

	profile, ok := c.Profiles[profileName]
	if !ok {
		profile, ok = c.Profiles["default"]
	}
	if !ok {
		return CallerSettings{
			Name:         name,
			Language:     "en",
			Instructions: defaultInstructions,
			Pin:          pin,
		}
	}

	settings := CallerSettings{
		Name:         name,
		Language:     profile.Language,
		Instructions: renderInstructions(profile.Instructions, name),
		Tools:        profile.AvailableTools,
		Pin:          pin,
	}
	if settings.Language == "" {
		settings.Language = "en"
	}
	return settings
}

// renderInstructions expands the {{.Name}} template. Any rendering
// problem falls back to the generic assistant prompt; a broken
// template must not take down call setup.
func renderInstructions(tmpl, name string) string {
	if strings.TrimSpace(tmpl) == "" {
		return defaultInstructions
	}

	t, err := template.New("instructions").Parse(tmpl)
	if err != nil {
		return defaultInstructions
	}

	var sb strings.Builder
	if err := t.Execute(&sb, struct{ Name string }{Name: name}); err != nil {
		return defaultInstructions
	}
	if strings.TrimSpace(sb.String()) == "" {
		return defaultInstructions
	}
	return sb.String()
}
