package workspaceflag

import (
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
)

var workspaceDir string

func RegisterPflags(fs *pflag.FlagSet) {
	def := os.Getenv("AFW_WORKSPACE")
	if def == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		def = filepath.Join(wd, "accel")
	}
	fs.StringVarP(&workspaceDir,
		"workspace",
		"w",
		def,
		`workspace directory holding the firmware deployments`)
}

func Workspace() string {
	return workspaceDir
}

func SetWorkspace(dir string) {
	workspaceDir = dir
}
