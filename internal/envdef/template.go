package envdef

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// TemplateContext holds the values a definition file may reference.
type TemplateContext struct {
	Vars map[string]string // accessed via {{ .vars.key }}
	Env  map[string]string // accessed via {{ .env.KEY }}; OS env takes precedence
}

func getEnvironmentVariables() map[string]string {
	envVars := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envVars[parts[0]] = parts[1]
		}
	}
	return envVars
}

// Render expands {{ .vars.* }} and {{ .env.* }} references in a definition
// file. A reference to a missing key is an error.
func Render(input []byte, ctx TemplateContext) ([]byte, error) {
	if len(input) == 0 {
		return input, nil
	}

	tmpl, err := template.New("envdef").Option("missingkey=error").Parse(string(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	envMap := make(map[string]string, len(ctx.Env))
	for key, value := range ctx.Env {
		envMap[key] = value
	}
	for key, value := range getEnvironmentVariables() {
		envMap[key] = value
	}
	vars := ctx.Vars
	if vars == nil {
		vars = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]interface{}{
		"vars": vars,
		"env":  envMap,
	}); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseVars parses key=value pairs as given on the command line.
func ParseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
