package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/inboxd/internal/auth"
)

// AgentSeed is one agent from agents.yaml. PasswordEnv names an environment
// variable holding the password so the file can be committed.
type AgentSeed struct {
	auth.AgentSpec `yaml:",inline"`
	PasswordEnv    string `yaml:"password_env,omitempty"`
}

// seedFile is the top-level structure of agents.yaml.
type seedFile struct {
	Agents []AgentSeed `yaml:"agents"`
}

// LoadAgentSeeds reads and parses an agents.yaml file. A missing file yields
// no seeds.
func LoadAgentSeeds(path string) ([]auth.AgentSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents.yaml: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents.yaml: %w", err)
	}
	specs := make([]auth.AgentSpec, 0, len(f.Agents))
	for i, a := range f.Agents {
		if a.PasswordEnv != "" {
			pw, ok := os.LookupEnv(a.PasswordEnv)
			if !ok {
				return nil, fmt.Errorf("agents.yaml: agent %d (%s): %s is not set", i, a.Email, a.PasswordEnv)
			}
			a.Password = pw
		}
		specs = append(specs, a.AgentSpec)
	}
	return specs, nil
}
