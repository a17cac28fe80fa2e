package portbook

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RewriteConfig replaces the values of the port keys present in ports in the
// line-oriented key=value file at path. Only lines that start with one of the
// keys followed by '=' are touched; comments and every other line keep their
// content and order. The file is replaced atomically.
func RewriteConfig(path string, ports map[Kind]int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	out := rewriteLines(data, ports)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".portbook-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}

// rewriteLines performs the substitution of RewriteConfig on a buffer.
func rewriteLines(data []byte, ports map[Kind]int) []byte {
	byKey := make(map[string]int, len(ports))
	for kind, port := range ports {
		byKey[kind.ConfigKey()] = port
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		key, _, found := strings.Cut(line, "=")
		if port, ok := byKey[key]; found && ok {
			line = key + "=" + strconv.Itoa(port)
		}

		out.WriteString(line)
		out.WriteByte('\n')
	}

	return out.Bytes()
}
