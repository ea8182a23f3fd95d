package cli

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := json.MarshalIndent(versionInfo(), "", "  ")
		fmt.Println(string(out))
	},
}

// versionInfo collects the release version plus whatever the build
// embedded: toolchain, VCS revision, and dirty-tree marker.
func versionInfo() map[string]string {
	info := map[string]string{
		"name":    "vaultbot",
		"version": version,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info["go"] = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev := s.Value
			if len(rev) > 12 {
				rev = rev[:12]
			}
			info["commit"] = rev
		case "vcs.modified":
			if s.Value == "true" {
				info["dirty"] = "true"
			}
		}
	}
	return info
}
