package usecase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const maxSampleFiles = 10

type DiscoveryUseCase struct {
	extensions domain.ExtensionSet
	shares     map[string]string
}

func NewDiscoveryUseCase(extensions domain.ExtensionSet, shares map[string]string) *DiscoveryUseCase {
	return &DiscoveryUseCase{
		extensions: extensions,
		shares:     shares,
	}
}

// ScanFolder summarizes the supported files under path. A missing folder
// yields an empty summary, not an error.
func (uc *DiscoveryUseCase) ScanFolder(ctx context.Context, path string, opts domain.ScanOptions) (domain.FolderScanResult, error) {
	result := domain.FolderScanResult{
		FolderPath:  path,
		FilesByType: map[string]int{},
		SampleFiles: []string{},
	}
	if !isDir(path) {
		return result, nil
	}

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = domain.DefaultBatchMaxFiles
	}
	parents := map[string]struct{}{}

	warnings, err := uc.walk(ctx, path, opts.Extensions, opts.Recursive, func(file domain.FileCandidate) bool {
		result.TotalFiles++
		result.FilesByType[file.Extension]++
		if len(result.SampleFiles) < maxSampleFiles {
			result.SampleFiles = append(result.SampleFiles, file.Path)
		}
		parents[filepath.Base(filepath.Dir(file.Path))] = struct{}{}
		return result.TotalFiles < maxFiles
	})
	if err != nil {
		return domain.FolderScanResult{}, err
	}
	result.EstimatedPatients = len(parents)
	result.Warnings = warnings
	return result, nil
}

// FilesForImport groups matching files by patient key and keeps the most
// recently active patients first.
func (uc *DiscoveryUseCase) FilesForImport(ctx context.Context, path string, opts domain.ImportOptions) ([]domain.PatientGroup, error) {
	if !isDir(path) {
		return nil, domain.WrapError(domain.ErrNotFound, "files for import", fmt.Errorf("folder %s does not exist", path))
	}

	byKey := map[string]*domain.PatientGroup{}
	warnings, err := uc.walk(ctx, path, opts.Extensions, opts.Recursive, func(file domain.FileCandidate) bool {
		key := opts.DeviceType.PatientKey(file.Path)
		group, ok := byKey[key]
		if !ok {
			group = &domain.PatientGroup{PatientKey: key}
			byKey[key] = group
		}
		group.Files = append(group.Files, file)
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Warn("discovery_subtree_skipped", "path", w.Path, "error", w.Error)
	}

	groups := make([]domain.PatientGroup, 0, len(byKey))
	for _, group := range byKey {
		sort.SliceStable(group.Files, func(i, j int) bool {
			a, b := group.Files[i], group.Files[j]
			if !a.ModTime.Equal(b.ModTime) {
				return a.ModTime.After(b.ModTime)
			}
			return a.Path < b.Path
		})
		group.TotalFiles = len(group.Files)
		group.LatestModTime = group.Files[0].ModTime
		groups = append(groups, *group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].LatestModTime.Equal(groups[j].LatestModTime) {
			return groups[i].LatestModTime.After(groups[j].LatestModTime)
		}
		return groups[i].PatientKey < groups[j].PatientKey
	})

	if opts.MaxPatients > 0 && len(groups) > opts.MaxPatients {
		groups = groups[:opts.MaxPatients]
	}
	if opts.MaxFilesPerPatient > 0 {
		for i := range groups {
			if len(groups[i].Files) > opts.MaxFilesPerPatient {
				groups[i].Files = groups[i].Files[:opts.MaxFilesPerPatient]
			}
		}
	}
	return groups, nil
}

const (
	previewFilesPerPatient = 5
	previewSampleNames     = 3
)

// PreviewPatients groups a folder the way a batch would, without processing.
func (uc *DiscoveryUseCase) PreviewPatients(ctx context.Context, path string, device domain.DeviceType, maxPatients int) (domain.PatientsPreview, error) {
	if maxPatients <= 0 {
		maxPatients = domain.DefaultBatchMaxPatients
	}
	groups, err := uc.FilesForImport(ctx, path, domain.ImportOptions{
		DeviceType:         device,
		MaxPatients:        maxPatients,
		MaxFilesPerPatient: previewFilesPerPatient,
		Recursive:          true,
	})
	if err != nil {
		return domain.PatientsPreview{}, err
	}

	preview := domain.PatientsPreview{
		FolderPath:   path,
		DeviceType:   device,
		PatientCount: len(groups),
		Patients:     make([]domain.PatientPreview, 0, len(groups)),
	}
	for _, group := range groups {
		samples := make([]string, 0, previewSampleNames)
		for _, file := range group.Files {
			if len(samples) == previewSampleNames {
				break
			}
			samples = append(samples, file.Name)
		}
		preview.Patients = append(preview.Patients, domain.PatientPreview{
			PatientKey:  group.PatientKey,
			FileCount:   group.TotalFiles,
			SampleFiles: samples,
			LatestDate:  group.LatestModTime,
		})
	}
	return preview, nil
}

// CheckShares reports which configured shares are mounted directories.
func (uc *DiscoveryUseCase) CheckShares(_ context.Context) []domain.ShareStatus {
	names := make([]string, 0, len(uc.shares))
	for name := range uc.shares {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.ShareStatus, 0, len(names))
	for _, name := range names {
		path := uc.shares[name]
		out = append(out, domain.ShareStatus{
			Name:      name,
			Path:      path,
			Available: isDir(path),
		})
	}
	return out
}

// walk visits supported, non-hidden files under root until visit returns
// false. Unreadable subtrees, root included, are skipped and reported as
// warnings.
func (uc *DiscoveryUseCase) walk(
	ctx context.Context,
	root string,
	filter []string,
	recursive bool,
	visit func(domain.FileCandidate) bool,
) ([]domain.ScanWarning, error) {
	allowed := uc.allowedExtensions(filter)
	var warnings []domain.ScanWarning

	handle := func(path string, d fs.DirEntry) (bool, error) {
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := allowed[ext]; !ok {
			return true, nil
		}
		info, err := d.Info()
		if err != nil {
			warnings = append(warnings, domain.ScanWarning{Path: path, Error: err.Error()})
			return true, nil
		}
		return visit(domain.FileCandidate{
			Path:      path,
			Name:      d.Name(),
			Extension: ext,
			ModTime:   info.ModTime(),
			SizeBytes: info.Size(),
		}), nil
	}

	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			warnings = append(warnings, domain.ScanWarning{Path: root, Error: err.Error()})
			return warnings, nil
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if entry.IsDir() || isHidden(entry.Name()) {
				continue
			}
			more, err := handle(filepath.Join(root, entry.Name()), entry)
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
		}
		return warnings, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root && d == nil {
				return walkErr
			}
			warnings = append(warnings, domain.ScanWarning{Path: path, Error: walkErr.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		more, err := handle(path, d)
		if err != nil {
			return err
		}
		if !more {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return warnings, nil
}

func (uc *DiscoveryUseCase) allowedExtensions(filter []string) map[string]struct{} {
	source := filter
	if len(source) == 0 {
		source = uc.extensions.All()
	}
	allowed := make(map[string]struct{}, len(source))
	for _, ext := range source {
		if normalized := domain.NormalizeExtension(ext); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	return allowed
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isDir(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
