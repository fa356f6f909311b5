package live

import (
	"os"
	"sort"
	"strings"
	"time"
)

// Replay describes one finished recording on disk.
type Replay struct {
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	SizeMB    float64   `json:"size_mb"`
	CreatedAt time.Time `json:"created_at"`
}

// ListReplays returns every recording in the replay directory, newest first.
// A missing directory is treated as an empty catalog.
func (m *Manager) ListReplays() ([]Replay, error) {
	entries, err := os.ReadDir(m.cfg.ReplayDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Replay{}, nil
		}
		return nil, err
	}

	replays := make([]Replay, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		replays = append(replays, Replay{
			Filename:  entry.Name(),
			URL:       strings.TrimRight(m.cfg.PublicBaseURL, "/") + "/replays/" + entry.Name(),
			SizeMB:    roundMB(info.Size()),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(replays, func(i, j int) bool {
		return replays[i].CreatedAt.After(replays[j].CreatedAt)
	})
	return replays, nil
}

func roundMB(size int64) float64 {
	mb := float64(size) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}
