package version

import "runtime/debug"

const (
	// AppName is the application name
	AppName = "indexsync"

	// AppDescription is the application description
	AppDescription = "Clustered search index replication and recovery node"
)

// Set at link time:
//
//	go build -ldflags "-X github.com/meftunca/indexsync/pkg/version.Version=1.0.0 \
//	  -X github.com/meftunca/indexsync/pkg/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/meftunca/indexsync/pkg/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "0.4.0-dev"
	GitCommit = ""
	BuildDate = ""
)

// GetVersionInfo returns version information. Commit and build date fall back
// to the VCS stamp the toolchain embeds when they were not set by ldflags.
func GetVersionInfo() map[string]string {
	commit, date := GitCommit, BuildDate
	if commit == "" || date == "" {
		c, d := vcsStamp()
		if commit == "" {
			commit = c
		}
		if date == "" {
			date = d
		}
	}
	return map[string]string{
		"name":        AppName,
		"version":     Version,
		"description": AppDescription,
		"build_date":  date,
		"git_commit":  commit,
	}
}

func vcsStamp() (revision, at string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return revision, at
}
