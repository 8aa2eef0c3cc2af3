package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
	"github.com/BTreeMap/OnboardPipe/internal/tools"
)

func newValidateCmd() *cobra.Command {
	var toolsFile string
	cmd := &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Check flow files for structural and reference errors",
		Long: `Validate decodes every flow file given, or every flow file inside a given
directory, and reports each violation with its field path.

Tool names are only checked when --tools is set.

Example:
  flowctl validate flows/
  flowctl validate flows/onboarding.yaml --tools tools.yaml
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lookup schema.ToolLookup
			if toolsFile != "" {
				registry, err := loadTools(toolsFile)
				if err != nil {
					return err
				}
				lookup = registry
			}
			files, err := collectFlowFiles(args)
			if err != nil {
				return err
			}
			return validateFiles(cmd, files, lookup)
		},
	}
	cmd.Flags().StringVar(&toolsFile, "tools", "", "tools file used to check tool names")
	return cmd
}

func loadTools(path string) (*tools.Registry, error) {
	specs, err := tools.LoadSpecs(path)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterSpecs(registry, specs); err != nil {
		return nil, err
	}
	return registry, nil
}

// collectFlowFiles expands directories into their flow files.
func collectFlowFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && schema.IsFlowFile(e.Name()) {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.New("no flow files found")
	}
	return files, nil
}

func validateFiles(cmd *cobra.Command, files []string, lookup schema.ToolLookup) error {
	out := cmd.OutOrStdout()
	ev := expression.NewEvaluator()
	slugs := make(map[string]string)
	failed := 0
	for _, path := range files {
		def, err := schema.DecodeFile(path)
		if err == nil {
			err = schema.Validate(def, lookup, ev)
		}
		if err == nil {
			if other, dup := slugs[def.Slug]; dup {
				err = fmt.Errorf("slug %q already defined in %s", def.Slug, other)
			} else {
				slugs[def.Slug] = path
			}
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n", path)
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				for _, problem := range verr.Errors {
					fmt.Fprintf(out, "  - %s\n", problem)
				}
			} else {
				fmt.Fprintf(out, "  - %v\n", err)
			}
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s, %d stages)\n", path, def.Slug, len(def.Stages))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flow files invalid", failed, len(files))
	}
	return nil
}
