package cli

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/atsh/internal/compiler"
	"github.com/roach88/atsh/internal/harness"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  []string          `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one file that failed to validate.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate manifests and scenarios without running them",
		Long: `Validate CUE harness manifests (*.cue) and YAML scenarios.

Every file is checked; the command fails if any of them is invalid.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result := ValidationResult{Valid: true, Files: files}
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		if verr := validateFile(file); verr != nil {
			result.Valid = false
			result.Errors = append(result.Errors, *verr)
		}
	}

	if result.Valid {
		return formatter.Success(result, func(w io.Writer) error {
			_, err := io.WriteString(w, "✓ All files valid\n")
			return err
		})
	}

	if opts.Format == "json" {
		if err := formatter.Error(result.Errors[0].Code, "validation failed", result); err != nil {
			return err
		}
	} else {
		for _, verr := range result.Errors {
			if err := formatter.Error(verr.Code, verr.File+": "+verr.Message, nil); err != nil {
				return err
			}
		}
	}
	return NewExitError(ExitConfigError, "")
}

func validateFile(path string) *ValidationError {
	data, err := os.ReadFile(path)
	if err != nil {
		code := ErrCodeManifest
		if errors.Is(err, fs.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return &ValidationError{File: path, Code: code, Message: err.Error()}
	}

	if filepath.Ext(path) == ".cue" {
		if _, err := compiler.CompileManifest(data, path); err != nil {
			return &ValidationError{File: path, Code: ErrCodeManifest, Message: err.Error()}
		}
		return nil
	}

	if _, err := harness.ParseScenario(data); err != nil {
		return &ValidationError{File: path, Code: ErrCodeScenario, Message: err.Error()}
	}
	return nil
}
