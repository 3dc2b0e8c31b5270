// Package ingest scans a directory of Markdown memory files (e.g. an
// external export, or a backup restore) and loads each into the
// repository, quarantining anything that fails to parse or validate.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memsub/internal/codec"
	"memsub/internal/domain"
	"memsub/internal/repository"
)

// Report summarizes one ScanDirectory call.
type Report struct {
	Processed  int
	Quarantined int
	Errors      []string
}

// Ingestor loads Markdown memory files from watchDir into repo, moving any
// file that fails to parse or validate into quarantineDir alongside a
// sibling ".error" file recording why.
type Ingestor struct {
	repo          *repository.Repository
	codec         *codec.Codec
	watchDir      string
	quarantineDir string
}

// NewIngestor constructs an Ingestor. watchDir and quarantineDir need not
// exist yet; ScanDirectory creates quarantineDir lazily on first use.
func NewIngestor(repo *repository.Repository, watchDir, quarantineDir string) *Ingestor {
	return &Ingestor{repo: repo, codec: codec.New(), watchDir: watchDir, quarantineDir: quarantineDir}
}

// ScanDirectory reads every *.md file directly under the ingestor's
// watchDir, parses it, and creates a memory record for it. Files already
// present (by ID) are skipped rather than duplicated — rerunning a scan
// over the same directory is idempotent.
func (in *Ingestor) ScanDirectory(ctx context.Context) (Report, error) {
	var report Report

	entries, err := os.ReadDir(in.watchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, domain.NewDomainError("ingest.Ingestor.ScanDirectory", domain.ErrRepositoryIO, err.Error())
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(in.watchDir, entry.Name())

		skipped, err := in.ingestFile(ctx, path)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			if qerr := in.quarantine(path, err); qerr != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: quarantine failed: %v", entry.Name(), qerr))
			} else {
				report.Quarantined++
			}
			continue
		}
		if skipped {
			continue
		}
		report.Processed++
	}

	return report, nil
}

func (in *Ingestor) ingestFile(ctx context.Context, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	rec, err := in.codec.Parse(string(raw))
	if err != nil {
		return false, err
	}
	rec.Source.SourceType = domain.SourceImported

	if err := rec.Validate(); err != nil {
		return false, err
	}

	if existing, err := in.repo.Get(ctx, rec.ID); err == nil {
		_ = existing
		return true, nil // already present, idempotent no-op
	}

	_, err = in.repo.Create(ctx, *rec)
	return false, err
}

// quarantine moves the file at path into quarantineDir and writes a
// sibling "<name>.error" file recording cause.
func (in *Ingestor) quarantine(path string, cause error) error {
	if err := os.MkdirAll(in.quarantineDir, 0o755); err != nil {
		return err
	}

	name := filepath.Base(path)
	dest := filepath.Join(in.quarantineDir, name)
	if err := os.Rename(path, dest); err != nil {
		return err
	}

	errPath := dest + ".error"
	return os.WriteFile(errPath, []byte(cause.Error()+"\n"), 0o644)
}
