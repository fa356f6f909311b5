package live

import (
	"fmt"
	"os"
	"path/filepath"
)

const playlistName = "index.m3u8"

// startPublisher launches the HLS publisher against the resolved media URL.
// Output is re-encoded to H.264/AAC with a rolling segment window so any
// client can play it and disk usage stays bounded. The playlist path is
// stable across restarts.
func (m *Manager) startPublisher(mediaURL string, detector ReadyDetector) (*Process, error) {
	args := []string{
		"-hide_banner", "-nostdin",
		"-i", mediaURL,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-c:a", "aac", "-b:a", "128k",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(m.cfg.HLSDir, "segment_%05d.ts"),
		filepath.Join(m.cfg.HLSDir, playlistName),
	}
	proc, err := startProcess(m.logger, "publisher", m.cfg.FFmpegBinary, args, detector.ObserveLine)
	if err != nil {
		return nil, err
	}
	m.cfg.Metrics.PipelineJobStarted("publish")
	return proc, nil
}

// startRecorder launches the replay child against the same source. Stream
// copy only, with the moov atom moved up front so the file plays
// progressively.
func (m *Manager) startRecorder(mediaURL, sessionID string) (*Process, error) {
	if err := os.MkdirAll(m.cfg.ReplayDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare replay directory: %w", err)
	}
	args := []string{
		"-hide_banner", "-nostdin",
		"-i", mediaURL,
		"-c", "copy",
		"-movflags", "+faststart",
		filepath.Join(m.cfg.ReplayDir, sessionID+".mp4"),
	}
	proc, err := startProcess(m.logger, "recorder", m.cfg.FFmpegBinary, args, nil)
	if err != nil {
		return nil, err
	}
	m.cfg.Metrics.PipelineJobStarted("record")
	return proc, nil
}

// clearDir empties the HLS output directory so a new session never serves
// segments left over from the previous one.
func clearDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
