package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/1ureka/reattach/internal/transport"
)

// Info describes one session found in the base directory.
type Info struct {
	ID       string
	Live     bool // a relay process holds the server endpoint
	Attached bool // a client endpoint is currently bound
}

// List scans baseDir for server endpoints and probes each one. Sessions are
// sorted by id. A missing base directory yields no sessions.
func List(baseDir string) ([]Info, error) {
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		id, ok := strings.CutPrefix(entry.Name(), "server-")
		if !ok || ValidateID(id) != nil {
			continue
		}
		if entry.Type()&fs.ModeSocket == 0 {
			continue
		}
		infos = append(infos, Info{
			ID:       id,
			Live:     transport.Alive(ServerPath(baseDir, id)),
			Attached: transport.Alive(ClientPath(baseDir, id)),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Prune removes the socket files of sessions whose relay process is gone
// and returns their ids.
func Prune(baseDir string) ([]string, error) {
	infos, err := List(baseDir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, info := range infos {
		if info.Live {
			continue
		}
		for _, path := range []string{ServerPath(baseDir, info.ID), ClientPath(baseDir, info.ID)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("remove %s: %w", path, err)
			}
		}
		removed = append(removed, info.ID)
	}
	return removed, nil
}
