// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BinaryPath checks that path names a program the harness can start. A
// bare name is looked up in PATH the way exec.Command would.
func BinaryPath(path string) (string, error) {
	if !strings.ContainsRune(path, filepath.Separator) {
		return exec.LookPath(path)
	}

	fi, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return "", fmt.Errorf("binary %s does not exist", path)
	case err != nil:
		return "", err
	case fi.IsDir():
		return "", fmt.Errorf("binary %s is a directory", path)
	case fi.Mode().Perm()&0111 == 0:
		return "", fmt.Errorf("binary %s is not executable", path)
	}
	return path, nil
}
