// Package scenario loads the scenario catalog and runs scenarios between SDK test clients and
// servers through the compliance interceptor, checking every capture against its golden file.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
)

// Catalog is the scenario catalog: the test servers and the numbered scenarios run against them.
type Catalog struct {
	Servers   map[string]Server `json:"servers"`
	Scenarios []Scenario        `json:"scenarios"`
}

// Described is a catalog entry carrying only a description.
type Described struct {
	Description string `json:"description"`
}

// Template is a parameterized resource or prompt.
type Template struct {
	Description string               `json:"description"`
	Params      map[string]Described `json:"params"`
}

// Server describes what a test server exposes.
type Server struct {
	Description       string               `json:"description"`
	Tools             map[string]Described `json:"tools"`
	Resources         map[string]Described `json:"resources"`
	ResourceTemplates map[string]Template  `json:"resourceTemplates"`
	Prompts           map[string]Described `json:"prompts"`
	PromptTemplates   map[string]Template  `json:"promptTemplates"`
}

// Scenario is one numbered interaction between one or more clients and a server.
type Scenario struct {
	ID          int      `json:"id"`
	Description string   `json:"description"`
	ClientIDs   []string `json:"client_ids"`
	ServerName  string   `json:"server_name"`
	HTTPOnly    bool     `json:"http_only,omitempty"`
}

// LoadCatalog reads and validates the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem of the catalog: malformed entries, duplicate scenario ids and
// scenarios referencing unknown servers.
func (c *Catalog) Validate() error {
	var errs []error

	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := c.Servers[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}

	seen := make(map[int]bool, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("scenario %d: %w", s.ID, err))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate scenario ID: %d", s.ID))
		}
		seen[s.ID] = true

		if _, ok := c.Servers[s.ServerName]; !ok && s.ServerName != "" {
			errs = append(errs, fmt.Errorf("scenario %d references non-existent server: %s", s.ID, s.ServerName))
		}
	}

	return errors.Join(errs...)
}

// Lookup returns the scenario with the given id.
func (c *Catalog) Lookup(id int) (Scenario, bool) {
	i := slices.IndexFunc(c.Scenarios, func(s Scenario) bool { return s.ID == id })
	if i < 0 {
		return Scenario{}, false
	}
	return c.Scenarios[i], true
}

// Transport returns httpTransport for HTTP-only scenarios and stdio otherwise.
func (s Scenario) Transport(httpTransport compliance.Transport) compliance.Transport {
	if s.HTTPOnly {
		return httpTransport
	}
	return compliance.TransportStdio
}

func (s Scenario) validate() error {
	switch {
	case s.ID <= 0:
		return errors.New("id must be a positive integer")
	case s.Description == "":
		return errors.New("description must not be empty")
	case len(s.ClientIDs) == 0:
		return errors.New("at least one client id is required")
	case s.ServerName == "":
		return errors.New("server_name must not be empty")
	}
	return nil
}

func (s Server) validate() error {
	if s.Description == "" {
		return errors.New("description must not be empty")
	}

	groups := []struct {
		kind    string
		entries map[string]Described
	}{
		{"tool", s.Tools},
		{"resource", s.Resources},
		{"prompt", s.Prompts},
	}
	for _, g := range groups {
		if err := describedAll(g.kind, g.entries); err != nil {
			return err
		}
	}

	for kind, templates := range map[string]map[string]Template{
		"resource template": s.ResourceTemplates,
		"prompt template":   s.PromptTemplates,
	} {
		for name, t := range templates {
			if t.Description == "" {
				return fmt.Errorf("%s %s: description must not be empty", kind, name)
			}
			if err := describedAll(kind+" "+name+" param", t.Params); err != nil {
				return err
			}
		}
	}
	return nil
}

func describedAll(kind string, entries map[string]Described) error {
	for name, e := range entries {
		if e.Description == "" {
			return fmt.Errorf("%s %s: description must not be empty", kind, name)
		}
	}
	return nil
}
