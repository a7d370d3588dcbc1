package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// fileFormat is the on-disk layout:
//
//	[principals.operator]
//	hash = "$2a$10$..."
//	allowances = ["admin"]
type fileFormat struct {
	Principals map[string]filePrincipal `toml:"principals"`
}

type filePrincipal struct {
	Hash       string   `toml:"hash"`
	Allowances []string `toml:"allowances,omitempty"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "compreg", "credentials.toml"))
	}
	paths = append(paths, "/etc/compreg/credentials.toml")
	return paths
}

// Load imports the first credentials file found in StandardPaths into s.
// It returns the path used, or "" when no file exists.
func Load(s *MemoryStore) (string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path, LoadFile(path, s)
		}
	}
	return "", nil
}

// LoadFile imports hashed credentials from path into s.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string, s *MemoryStore) error {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var f fileFormat
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return err
	}
	for name, p := range f.Principals {
		if p.Hash == "" {
			continue
		}
		s.putHash(name, []byte(p.Hash), p.Allowances)
	}
	return nil
}

// SaveFile exports s to path with mode 0400, replacing any existing file.
func SaveFile(path string, s *MemoryStore) error {
	s.mu.RLock()
	f := fileFormat{Principals: make(map[string]filePrincipal, len(s.entries))}
	for name, e := range s.entries {
		f.Principals[name] = filePrincipal{Hash: string(e.hash), Allowances: e.allowances}
	}
	s.mu.RUnlock()

	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(out).Encode(f); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0400); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
