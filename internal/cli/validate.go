package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/lsm/basket/internal/config"
)

// defaultPolicyPath is validated when neither an argument nor
// BASKET_POLICY_FILE names a policy.
const defaultPolicyPath = "basket-policy.yaml"

// RunValidate validates ingestion policy files.
func RunValidate(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println("Usage: basketctl validate [path...]\n\nValidates ingestion policy YAML files (default: $BASKET_POLICY_FILE, then ./" + defaultPolicyPath + ").\nThe key expression is compiled, so CEL errors are reported too.")
		return nil
	}

	paths := args
	if len(paths) == 0 {
		p := os.Getenv(config.EnvPolicyFile)
		if p == "" {
			p = defaultPolicyPath
		}
		paths = []string{p}
	}

	var allErrors []validationError
	for _, path := range paths {
		allErrors = append(allErrors, validatePolicyFile(path)...)
	}

	if len(allErrors) == 0 {
		fmt.Printf("Validated %d policy file(s). All policies are valid.\n", len(paths))
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		fmt.Fprintf(os.Stderr, "  %s %s\n    field: %s\n    error: %s\n\n", mark(false), ve.File, ve.Field, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func validatePolicyFile(path string) []validationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []validationError{{File: path, Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	_, err = config.ParsePolicy(data)
	if err == nil {
		return nil
	}

	msg := err.Error()
	if strings.HasPrefix(msg, "parse yaml:") {
		if strings.Contains(msg, "mapping values") || strings.Contains(msg, "did not find expected key") {
			hint := "\n\nHint: If the key expression uses ':' or '?', quote the entire expression as a string.\n" +
				"Example: change `keyExpression: has(payload.user) ? payload.user : topic` to `keyExpression: \"has(payload.user) ? payload.user : topic\"`"
			msg += hint
		}
		return []validationError{{File: path, Field: "-", Message: msg}}
	}

	var errs []validationError
	for _, m := range splitErrors(err) {
		errs = append(errs, validationError{File: path, Field: inferField(m), Message: m})
	}
	return errs
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	parts := strings.Split(err.Error(), "\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts a field name from an error message.
func inferField(msg string) string {
	parts := strings.Fields(msg)
	if len(parts) == 0 {
		return "-"
	}
	return strings.TrimSuffix(parts[0], ":")
}
