package infra

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const namerCacheSize = 256

// DesktopNamer resolves display names from XDG .desktop entries, keyed by
// package id (<dir>/applications/<packageId>.desktop). Misses are cached too.
type DesktopNamer struct {
	dirs  []string
	cache *lru.Cache[string, string]
}

// NewDesktopNamer searches dirs in order. With no dirs, the XDG data
// directories are used.
func NewDesktopNamer(dirs ...string) *DesktopNamer {
	if len(dirs) == 0 {
		dirs = xdgApplicationDirs()
	}
	cache, _ := lru.New[string, string](namerCacheSize) // only errors on size <= 0
	return &DesktopNamer{dirs: dirs, cache: cache}
}

// DisplayName returns the entry's Name, or packageID when there is none.
func (n *DesktopNamer) DisplayName(packageID string) string {
	if name, ok := n.cache.Get(packageID); ok {
		return name
	}
	name := packageID
	for _, dir := range n.dirs {
		if found, ok := readDesktopName(filepath.Join(dir, packageID+".desktop")); ok {
			name = found
			break
		}
	}
	n.cache.Add(packageID, name)
	return name
}

// readDesktopName extracts the unlocalized Name key of the [Desktop Entry] group.
func readDesktopName(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	inEntry := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			continue
		}
		if !inEntry {
			continue
		}
		if v, ok := strings.CutPrefix(line, "Name="); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func xdgApplicationDirs() []string {
	var bases []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		bases = append(bases, home)
	} else {
		bases = append(bases, filepath.Join(GetRealUserHome(), ".local", "share"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	bases = append(bases, filepath.SplitList(dataDirs)...)

	dirs := make([]string, 0, len(bases))
	for _, b := range bases {
		dirs = append(dirs, filepath.Join(b, "applications"))
	}
	return dirs
}

// Ensure DesktopNamer implements domain.AppNamer.
var _ domain.AppNamer = (*DesktopNamer)(nil)
