package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set by the build script; plain `go install` binaries fall back to the
// module metadata the toolchain embeds.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show perfbound version information",
	Run: func(cmd *cobra.Command, args []string) {
		ver, commit, date := buildVersion()
		fmt.Printf("perfbound %s\n", ver)
		fmt.Printf("  commit:   %s\n", commit)
		fmt.Printf("  built:    %s\n", date)
		fmt.Printf("  platform: %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
		if runtime.GOOS != "linux" {
			fmt.Println("  counters: unavailable (perf events need Linux)")
		}
	},
}

// buildVersion merges the build-script values with the embedded build info:
// explicit -ldflags values win, VCS metadata fills in what they left unset.
func buildVersion() (ver, commit, date string) {
	ver, commit, date = version, gitCommit, buildDate

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ver, commit, date
	}
	if ver == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		ver = info.Main.Version
	}

	var revision string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			if date == "unknown" {
				date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if dirty {
			revision += "-dirty"
		}
		commit = revision
	}
	return ver, commit, date
}
