package domain

import (
	"path/filepath"
	"testing"
)

func TestParseDeviceTypeFallsBackToGeneric(t *testing.T) {
	cases := map[string]DeviceType{
		"zeiss":   DeviceZeiss,
		" SOLIX ": DeviceSolix,
		"Tomey":   DeviceTomey,
		"quantel": DeviceQuantel,
		"":        DeviceGeneric,
		"canon":   DeviceGeneric,
	}
	for raw, want := range cases {
		if got := ParseDeviceType(raw); got != want {
			t.Fatalf("ParseDeviceType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestZeissPatientKeyUsesFirstThreeTokens(t *testing.T) {
	path := filepath.Join("exports", "Folder", "SMITH_JOHN_12345_OD.jpg")
	if got := DeviceZeiss.PatientKey(path); got != "smith_john_12345" {
		t.Fatalf("expected smith_john_12345, got %q", got)
	}
}

func TestZeissPatientKeyFallsBackToParentFolder(t *testing.T) {
	path := filepath.Join("exports", " Dupont_Jean ", "report.jpg")
	if got := DeviceZeiss.PatientKey(path); got != "dupont_jean" {
		t.Fatalf("expected parent folder key, got %q", got)
	}
}

func TestNonZeissDevicesUseParentFolder(t *testing.T) {
	path := filepath.Join("exports", "MARTIN_Sophie", "SMITH_JOHN_12345_OD.jpg")
	for _, device := range []DeviceType{DeviceGeneric, DeviceSolix, DeviceTomey, DeviceQuantel, DeviceType("other")} {
		if got := device.PatientKey(path); got != "martin_sophie" {
			t.Fatalf("device %q: expected martin_sophie, got %q", device, got)
		}
	}
}

func TestExtensionSetClassifyIsCaseInsensitive(t *testing.T) {
	set := DefaultExtensions()
	cases := map[string]FileType{
		".JPG":  FileTypeImage,
		"tif":   FileTypeImage,
		".Pdf":  FileTypePDF,
		".DCM":  FileTypeDICOM,
		"dicom": FileTypeDICOM,
	}
	for ext, want := range cases {
		got, ok := set.Classify(ext)
		if !ok || got != want {
			t.Fatalf("Classify(%q) = %q,%v want %q", ext, got, ok, want)
		}
	}
	if _, ok := set.Classify(".docx"); ok {
		t.Fatalf("expected .docx to be unsupported")
	}
}
