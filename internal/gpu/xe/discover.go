package xe

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
)

const driverName = "xe"

var cardPattern = regexp.MustCompile(`^card[0-9]+$`)

// card is one xe device found in sysfs.
type card struct {
	name  string // "card0"
	sysfs string // <sysfs root>/card0
	pdev  string // "0000:03:00.0"
}

// scanCards lists the DRM cards bound to the xe driver, ordered by name.
func scanCards(sysfsRoot string) ([]card, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, err
	}

	var cards []card
	for _, entry := range entries {
		if !cardPattern.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(sysfsRoot, entry.Name())

		driver, err := filepath.EvalSymlinks(filepath.Join(dir, "device", "driver"))
		if err != nil || filepath.Base(driver) != driverName {
			continue
		}
		device, err := filepath.EvalSymlinks(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}

		cards = append(cards, card{
			name:  entry.Name(),
			sysfs: dir,
			pdev:  filepath.Base(device),
		})
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].name < cards[j].name })
	return cards, nil
}

// deviceName asks lspci for the marketing name of pdev.
func deviceName(ctx context.Context, run gpu.CommandRunner, pdev string) string {
	output, err := run(ctx, "lspci", "-s", pdev)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		// 03:00.0 VGA compatible controller: Intel Corporation DG2 [Arc A770] (rev 08)
		if idx := strings.Index(line, ": "); idx != -1 {
			name := strings.TrimSpace(line[idx+2:])
			name = strings.TrimPrefix(name, "Intel Corporation ")
			if i := strings.LastIndex(name, " (rev "); i > 0 {
				name = name[:i]
			}
			return name
		}
	}
	return ""
}

// isIntegrated reports whether pdev is the fixed slot Intel uses for
// integrated graphics.
func isIntegrated(pdev string) bool {
	return strings.HasSuffix(pdev, ":00:02.0")
}
