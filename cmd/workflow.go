package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
	Long: `Workflow definitions live under teams/<uuid>/workflows/ as YAML
metadata. Tasks are stamped with (name, version) at creation and keep
that pair for life; registering a new version never moves in-flight
tasks.`,
}

// workflowFile is the on-disk metadata shape.
type workflowFile struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
	Stages  []struct {
		Key   string `yaml:"key"`
		Label string `yaml:"label"`
	} `yaml:"stages"`
}

var workflowInitCmd = &cobra.Command{
	Use:   "init <team>",
	Short: "Write the default workflow definition into a team",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		tm, err := svc.teams.Resolve(args[0])
		if err != nil {
			return err
		}

		def := workflow.Default()
		f := workflowFile{Name: def.Name, Version: def.Version}
		for _, stage := range def.Stages() {
			f.Stages = append(f.Stages, struct {
				Key   string `yaml:"key"`
				Label string `yaml:"label"`
			}{Key: stage.Key(), Label: stage.Label()})
		}
		data, err := yaml.Marshal(f)
		if err != nil {
			return err
		}

		path := filepath.Join(h.WorkflowsDir(tm.ID), fmt.Sprintf("%s@%d.yaml", def.Name, def.Version))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var workflowAddCmd = &cobra.Command{
	Use:   "add <team> <file>",
	Short: "Register a workflow definition file with a team",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		tm, err := svc.teams.Resolve(args[0])
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		var f workflowFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return errs.User(errs.CodeBadRequest, "malformed workflow file: %v", err)
		}
		if f.Name == "" || f.Version < 1 || len(f.Stages) == 0 {
			return errs.User(errs.CodeBadRequest,
				"workflow file must declare name, version >= 1, and at least one stage")
		}

		path := filepath.Join(h.WorkflowsDir(tm.ID), fmt.Sprintf("%s@%d.yaml", f.Name, f.Version))
		if _, err := os.Stat(path); err == nil {
			return errs.User(errs.CodeBadRequest, "workflow %s@%d already registered", f.Name, f.Version)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowInitCmd)
	workflowCmd.AddCommand(workflowAddCmd)
	rootCmd.AddCommand(workflowCmd)
}
