package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/davidthor/mdctl/pkg/names"
)

// writeOutput renders v as JSON or YAML, or calls table for the default
// table format.
func writeOutput(w io.Writer, format string, v any, table func(io.Writer) error) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(w, string(data))
		return nil
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}
}

// resolveKey builds a deployment key from a "model/tag" argument or from
// the --model-id and --model-tag flags. The two forms are mutually
// exclusive.
func resolveKey(args []string, modelID, modelTag string) (names.Key, error) {
	if len(args) > 0 {
		if modelID != "" || modelTag != "" {
			return names.Key{}, fmt.Errorf("specify the deployment either as an argument or with --model-id/--model-tag, not both")
		}
		return names.ParseIdentifier(args[0])
	}
	if modelID == "" {
		return names.Key{}, fmt.Errorf("a deployment is required: pass <model/tag> or --model-id")
	}
	return names.NewKey(modelID, modelTag), nil
}

// parseExtraParams decodes the --extra-params JSON object.
func parseExtraParams(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("--extra-params must be a JSON object: %w", err)
	}
	return params, nil
}

// isInteractive returns true if the CLI is running in an interactive terminal.
func isInteractive() bool {
	// Check if stdin is a terminal
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}

	// Check for common CI environment variables
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"JENKINS_URL",
		"BUILDKITE",
		"CODEBUILD_BUILD_ID", // AWS CodeBuild
	}

	for _, env := range ciEnvVars {
		if os.Getenv(env) != "" {
			return false
		}
	}

	return true
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatTimeAgo formats a time relative to now.
func formatTimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
