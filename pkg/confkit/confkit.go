package confkit

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/logx"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads .env from the project root (or the working directory
// when no go.mod is found) the first time it is called. Variables already in
// the environment win. A missing file is not an error.
func LoadDotenvOnce() {
	dotenvOnce.Do(func() {
		path := ".env"
		if root, err := ProjectRoot(); err == nil {
			path = filepath.Join(root, ".env")
		}
		if _, err := os.Stat(path); err != nil {
			return
		}
		if err := godotenv.Load(path); err != nil {
			logx.Errorf("confkit: load %s err=%v", path, err)
		}
	})
}

// ProjectRoot walks up from the working directory to the nearest go.mod.
func ProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("confkit: go.mod not found")
		}
		dir = parent
	}
}

// MustProjectPath resolves rel against the project root and panics when the
// root cannot be located.
func MustProjectPath(rel string) string {
	root, err := ProjectRoot()
	if err != nil {
		panic(err)
	}
	return filepath.Join(root, rel)
}
