package domain

import "time"

// FileCandidate is a snapshot of one matching file taken at discovery time.
type FileCandidate struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Extension string    `json:"extension"`
	ModTime   time.Time `json:"modified_at"`
	SizeBytes int64     `json:"size_bytes"`
}

type PatientGroup struct {
	PatientKey    string          `json:"patient_key"`
	Files         []FileCandidate `json:"files"`
	TotalFiles    int             `json:"total_files"`
	LatestModTime time.Time       `json:"latest_file_date"`
}

type FolderScanResult struct {
	FolderPath        string         `json:"folder_path"`
	TotalFiles        int            `json:"total_files"`
	FilesByType       map[string]int `json:"files_by_type"`
	EstimatedPatients int            `json:"estimated_patients"`
	SampleFiles       []string       `json:"sample_files"`
	Warnings          []ScanWarning  `json:"warnings,omitempty"`
}

// ScanWarning records a subtree skipped during traversal.
type ScanWarning struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanOptions narrows a discovery walk.
type ScanOptions struct {
	MaxFiles   int
	Extensions []string
	Recursive  bool
}

// ImportOptions controls patient grouping for a batch.
type ImportOptions struct {
	DeviceType         DeviceType
	MaxPatients        int
	MaxFilesPerPatient int
	Extensions         []string
	Recursive          bool
}

type ShareStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// PatientPreview is the dry-run view of one patient group.
type PatientPreview struct {
	PatientKey  string    `json:"patient_key"`
	FileCount   int       `json:"file_count"`
	SampleFiles []string  `json:"sample_files"`
	LatestDate  time.Time `json:"latest_date"`
}

type PatientsPreview struct {
	FolderPath   string           `json:"folder_path"`
	DeviceType   DeviceType       `json:"device_type"`
	PatientCount int              `json:"patient_count"`
	Patients     []PatientPreview `json:"patients"`
}
