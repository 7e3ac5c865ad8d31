package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, injected through -ldflags at build time.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

var versionOutput string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildInfo{
			Version:   version,
			GoVersion: runtime.Version(),
			BuildTime: buildTime,
			GitCommit: gitCommit,
		}

		switch versionOutput {
		case "json":
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(info)
		case "text":
			fmt.Printf("chatbridge %s (commit %s, built %s, %s)\n",
				info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
			return nil
		default:
			return fmt.Errorf("unknown output format %q, want text or json", versionOutput)
		}
	},
}

func init() {
	versionCmd.Flags().StringVarP(&versionOutput, "output", "o", "text", "Output format: text or json")
}
