// Package envdef reads environment definition files: YAML documents that
// describe an environment and its scenario checklist before it is created.
package envdef

import (
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

const Version = "v1"

type Suite struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type ScenarioDef struct {
	ID             string                     `json:"id" yaml:"id"`
	Title          string                     `json:"title" yaml:"title"`
	Category       string                     `json:"category" yaml:"category"`
	Criticality    string                     `json:"criticality" yaml:"criticality"`
	Observation    string                     `json:"observation" yaml:"observation"`
	AutomationNote string                     `json:"automationNote" yaml:"automationNote"`
	EvidenceLink   string                     `json:"evidenceLink" yaml:"evidenceLink"`
	Status         environment.ScenarioStatus `json:"status" yaml:"status"`
	StatusMobile   environment.ScenarioStatus `json:"statusMobile" yaml:"statusMobile"`
	StatusDesktop  environment.ScenarioStatus `json:"statusDesktop" yaml:"statusDesktop"`
}

type Definition struct {
	Version         string        `json:"version" yaml:"version"`
	Identifier      string        `json:"identifier" yaml:"identifier"`
	StoreID         string        `json:"storeId" yaml:"storeId"`
	Suite           Suite         `json:"suite" yaml:"suite"`
	URLs            []string      `json:"urls" yaml:"urls"`
	JiraTask        string        `json:"jiraTask" yaml:"jiraTask"`
	EnvironmentType string        `json:"environmentType" yaml:"environmentType"`
	TestType        string        `json:"testType" yaml:"testType"`
	Moment          string        `json:"moment" yaml:"moment"`
	Release         string        `json:"release" yaml:"release"`
	Scenarios       []ScenarioDef `json:"scenarios" yaml:"scenarios"`
}

// ParseYAML decodes and checks a rendered definition. Schema validation
// runs first so every structural problem is reported together.
func ParseYAML(yamlPayload []byte) (Definition, error) {
	if err := ValidateYAMLWithSchema(yamlPayload); err != nil {
		return Definition{}, err
	}

	var def Definition
	if err := yaml.Unmarshal(yamlPayload, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if def.Version != Version {
		return Definition{}, fmt.Errorf("unsupported version: %q", def.Version)
	}

	// scenario ids key the checklist, so duplicates would silently drop rows
	seen := make(map[string]int, len(def.Scenarios))
	for i, sc := range def.Scenarios {
		if prev, ok := seen[sc.ID]; ok {
			return Definition{}, fmt.Errorf("scenario %d: id %q already used by scenario %d", i, sc.ID, prev)
		}
		seen[sc.ID] = i
	}

	return def, nil
}

// ScenarioMap converts the checklist into the stored scenario map. Scenarios
// without a status start as pending.
func (d Definition) ScenarioMap() map[string]environment.Scenario {
	out := make(map[string]environment.Scenario, len(d.Scenarios))
	for _, sc := range d.Scenarios {
		status := sc.Status
		if status == "" {
			status = environment.ScenarioPending
		}
		scenario := environment.Scenario{
			Title:          strings.TrimSpace(sc.Title),
			Category:       sc.Category,
			Criticality:    sc.Criticality,
			Observation:    sc.Observation,
			AutomationNote: sc.AutomationNote,
			Status:         status,
			StatusMobile:   sc.StatusMobile,
			StatusDesktop:  sc.StatusDesktop,
		}
		if link := strings.TrimSpace(sc.EvidenceLink); link != "" {
			scenario.EvidenceLink = &link
		}
		out[sc.ID] = scenario
	}
	return out
}
