package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/workspace"
)

var initWriteConfig string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace directory structure",
	RunE: func(cmd *cobra.Command, args []string) error {
		if initWriteConfig != "" {
			if err := writeSampleConfig(initWriteConfig); err != nil {
				return err
			}
			zap.L().Info("sample config written", zap.String("path", initWriteConfig))
		}

		ws := workspace.New(workspace.LayoutFromConfig(cfg.Workspace))
		created, err := ws.Init()
		if err != nil {
			return eris.Wrap(err, "init workspace")
		}
		for _, dir := range created {
			fmt.Fprintln(os.Stdout, dir)
		}
		return nil
	},
}

// writeSampleConfig writes the default configuration as YAML. An existing
// file is left untouched.
func writeSampleConfig(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "init: create %s", path)
	}
	defer f.Close() //nolint:errcheck
	return encodeConfig(f, config.Defaults())
}

func encodeConfig(w io.Writer, c *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return eris.Wrap(err, "init: encode config")
	}
	return eris.Wrap(enc.Close(), "init: flush config")
}

func init() {
	initCmd.Flags().StringVar(&initWriteConfig, "write-config", "", "also write a sample config.yaml to this path")
	rootCmd.AddCommand(initCmd)
}
