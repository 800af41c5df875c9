// Package cli holds helpers shared by the command-line tools.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/config"
	"github.com/orizon-lang/msgcore/internal/runtime/remote"
)

// Version information for all CLI tools
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-18"
)

// CommitSHA is set at link time.
var CommitSHA = "unknown"

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	Protocol  string `json:"protocol"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		Protocol:  remote.ProtocolVersion,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion writes version information as text or JSON.
func PrintVersion(w io.Writer, toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Fprintln(w, string(data))
			return
		}
		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Fprintf(w, "%s v%s\n", toolName, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Protocol: %s\n", info.Protocol)
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
}

// NewLogger returns a logger writing to w at the named level.
func NewLogger(level string, w io.Writer) (log.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.New(lvl, w), nil
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// FlagInfo describes a command flag for usage output.
type FlagInfo struct {
	Name    string
	Usage   string
	Default string
}

// PrintUsage prints a standardized usage message
func PrintUsage(w io.Writer, tool, synopsis string, flags []FlagInfo, examples []string) {
	fmt.Fprintf(w, "%s - message-passing node\n\n", tool)
	fmt.Fprintf(w, "USAGE:\n    %s\n\n", synopsis)

	if len(flags) > 0 {
		fmt.Fprintf(w, "OPTIONS:\n")
		for _, flag := range flags {
			fmt.Fprintf(w, "%-24s %s\n", "    -"+flag.Name, flag.Usage)
			if flag.Default != "" {
				fmt.Fprintf(w, "%-24s Default: %s\n", "", flag.Default)
			}
		}
		fmt.Fprintf(w, "\n")
	}

	if len(examples) > 0 {
		fmt.Fprintf(w, "EXAMPLES:\n")
		for _, example := range examples {
			fmt.Fprintf(w, "    %s\n", example)
		}
		fmt.Fprintf(w, "\n")
	}
}
