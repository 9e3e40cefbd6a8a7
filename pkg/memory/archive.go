package memory

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ArchiveOldData packs every iteration older than the retention window into
// a tar.gz under archive/ and removes the source directory. The active
// iteration is never archived. Returns the number of iterations archived.
func (m *ContextMemory) ArchiveOldData() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -m.config.RetentionDays)

	archived := 0
	for _, n := range m.listIterationNumbersLocked() {
		if n == m.currentIteration {
			continue
		}
		dir := m.iterationPath(n)
		newest, err := newestFileTime(dir)
		if err != nil {
			m.logger.Warn().Err(err).Int("iteration", n).Msg("Could not inspect iteration for archival")
			continue
		}
		if newest.After(cutoff) {
			continue
		}

		stamp := time.Now().UTC().Format(fileTimestamp)
		target := filepath.Join(m.config.RootPath, archiveDir, fmt.Sprintf("%s_%s.tar.gz", iterationDirName(n), stamp))
		if err := tarDirectory(dir, target); err != nil {
			m.logger.Error().Err(err).Int("iteration", n).Msg("Archiving iteration failed")
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Error().Err(err).Int("iteration", n).Msg("Could not remove archived iteration directory")
			continue
		}

		archived++
		m.logger.Info().Int("iteration", n).Str("archive", target).Msg("Iteration archived")
	}

	if archived > 0 {
		m.usedBytes = m.measureUsageLocked()
	}
	return archived, nil
}

// newestFileTime returns the most recent modification time within a directory
func newestFileTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		return nil
	})
	return newest, err
}

// tarDirectory writes dir into a gzipped tarball at target, with entry names
// relative to the directory's parent so the tarball unpacks to iteration_NNN/
func tarDirectory(dir, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	base := filepath.Dir(dir)
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
}
