package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// FormatError formats a CLIError for display to the operator
func FormatError(err *CLIError) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder

	switch err.Type {
	case ErrorTypeValidation:
		sb.WriteString("✗ Validation Error: ")
	case ErrorTypeAuth:
		sb.WriteString("✗ Credential Error: ")
	case ErrorTypeAPI:
		sb.WriteString("✗ API Error: ")
	case ErrorTypeNetwork:
		sb.WriteString("✗ Network Error: ")
	case ErrorTypeConfig:
		sb.WriteString("✗ Configuration Error: ")
	case ErrorTypeProvision:
		sb.WriteString("✗ Provisioning Error: ")
	default:
		sb.WriteString("✗ Error: ")
	}

	sb.WriteString(err.Err.Error())

	if err.Context != "" {
		sb.WriteString("\n\n")
		sb.WriteString(err.Context)
	}

	return sb.String()
}

// FormatSimple formats any error, using the CLIError rendering when one is
// present in the chain
func FormatSimple(err error) string {
	if err == nil {
		return ""
	}

	var cliErr *CLIError
	if stderrors.As(err, &cliErr) {
		return FormatError(cliErr)
	}

	return fmt.Sprintf("✗ Error: %v", err)
}
