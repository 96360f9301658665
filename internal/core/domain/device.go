package domain

import (
	"path/filepath"
	"strings"
)

// DeviceType selects the patient-key and filename parsing rules for files
// exported by a given imaging device.
type DeviceType string

const (
	DeviceGeneric DeviceType = "generic"
	DeviceZeiss   DeviceType = "zeiss"
	DeviceSolix   DeviceType = "solix"
	DeviceTomey   DeviceType = "tomey"
	DeviceQuantel DeviceType = "quantel"
)

// ParseDeviceType never fails: unknown or empty values fall back to generic.
func ParseDeviceType(raw string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceZeiss:
		return DeviceZeiss
	case DeviceSolix:
		return DeviceSolix
	case DeviceTomey:
		return DeviceTomey
	case DeviceQuantel:
		return DeviceQuantel
	default:
		return DeviceGeneric
	}
}

// PatientKey derives the grouping key for a file.
func (d DeviceType) PatientKey(path string) string {
	switch d {
	case DeviceZeiss:
		return zeissPatientKey(path)
	default:
		return parentFolderKey(path)
	}
}

func parentFolderKey(path string) string {
	return normalizeKey(filepath.Base(filepath.Dir(path)))
}

func zeissPatientKey(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "_")
	if len(parts) >= 3 {
		return normalizeKey(strings.Join(parts[:3], "_"))
	}
	return parentFolderKey(path)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypePDF   FileType = "pdf"
	FileTypeDICOM FileType = "dicom"
)

// ExtensionSet is the configured allow-list per file type. Entries are
// lower-case with a leading dot.
type ExtensionSet struct {
	Image []string `yaml:"image"`
	PDF   []string `yaml:"pdf"`
	DICOM []string `yaml:"dicom"`
}

func DefaultExtensions() ExtensionSet {
	return ExtensionSet{
		Image: []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp"},
		PDF:   []string{".pdf"},
		DICOM: []string{".dcm", ".dicom"},
	}
}

func (s ExtensionSet) All() []string {
	out := make([]string, 0, len(s.Image)+len(s.PDF)+len(s.DICOM))
	out = append(out, s.Image...)
	out = append(out, s.PDF...)
	out = append(out, s.DICOM...)
	return out
}

// Classify reports the file type for an extension, case-insensitively.
func (s ExtensionSet) Classify(ext string) (FileType, bool) {
	ext = NormalizeExtension(ext)
	switch {
	case containsExt(s.DICOM, ext):
		return FileTypeDICOM, true
	case containsExt(s.PDF, ext):
		return FileTypePDF, true
	case containsExt(s.Image, ext):
		return FileTypeImage, true
	default:
		return "", false
	}
}

// NormalizeExtension lower-cases and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func containsExt(list []string, ext string) bool {
	for _, candidate := range list {
		if NormalizeExtension(candidate) == ext {
			return true
		}
	}
	return false
}
