package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"spotifreak/internal/config"
)

const configTemplate = `# spotifreak configuration
spotify:
  client_id: ""
  client_secret: ""
  refresh_token: ""

# lastfm:
#   api_key: ""
#   username: ""

runtime:
  workers: 4
  tick: 1s
  history_limit: 50

# storage:
#   driver: sqlite
#   busy_timeout: 5s

logging:
  level: info
`

const exampleSync = `# Example sync. Rename and fill in, or delete.
id: liked-mirror
type: playlist_mirror
schedule:
  interval: 30m
options:
  source:
    kind: saved_tracks
  targets:
    - kind: playlist_name
      name: Liked Songs Mirror
`

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create the configuration directory skeleton",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return initTree(pathsFor(cmd))
		},
	}
}

// initTree lays out the config directory. Existing files are left alone so
// re-running init never clobbers a working setup.
func initTree(paths config.Paths) error {
	for _, dir := range []string{paths.BaseDir, paths.SyncsDir, paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	wrote, err := writeIfAbsent(paths.GlobalConfig, configTemplate)
	if err != nil {
		return err
	}
	if _, err := writeIfAbsent(filepath.Join(paths.SyncsDir, "example.yml.disabled"), exampleSync); err != nil {
		return err
	}
	if wrote {
		fmt.Printf("initialized %s\nedit %s and add sync files under %s\n",
			paths.BaseDir, paths.GlobalConfig, paths.SyncsDir)
	} else {
		fmt.Printf("%s already initialized\n", paths.BaseDir)
	}
	return nil
}

func writeIfAbsent(path, contents string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return false, err
	}
	return true, nil
}
