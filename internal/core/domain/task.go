package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStarted   TaskStatus = "started"
	TaskSuccess   TaskStatus = "success"
	TaskFailure   TaskStatus = "failure"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCancelled:
		return true
	default:
		return false
	}
}

type TaskKind string

const (
	TaskKindBatch TaskKind = "batch"
	TaskKindFile  TaskKind = "file"
)

const (
	DefaultBatchMaxFiles    = 100
	DefaultBatchMaxPatients = 20
	MaxBatchFiles           = 1000
	MaxBatchPatients        = 100
)

type BatchRequest struct {
	FolderPath         string     `json:"folder_path"`
	DeviceType         DeviceType `json:"device_type"`
	MaxFiles           int        `json:"max_files"`
	MaxPatients        int        `json:"max_patients"`
	MaxFilesPerPatient int        `json:"max_files_per_patient,omitempty"`
	FileExtensions     []string   `json:"file_extensions,omitempty"`
	Recursive          *bool      `json:"recursive,omitempty"`
}

// Normalize fills defaults and rejects out-of-range limits.
func (r *BatchRequest) Normalize(defaultFilesPerPatient int) error {
	r.FolderPath = strings.TrimSpace(r.FolderPath)
	if r.FolderPath == "" {
		return WrapError(ErrInvalidInput, "batch request", fmt.Errorf("folder_path is required"))
	}
	r.DeviceType = ParseDeviceType(string(r.DeviceType))
	if r.MaxFiles == 0 {
		r.MaxFiles = DefaultBatchMaxFiles
	}
	if r.MaxFiles < 1 || r.MaxFiles > MaxBatchFiles {
		return WrapError(ErrInvalidInput, "batch request", fmt.Errorf("max_files must be between 1 and %d", MaxBatchFiles))
	}
	if r.MaxPatients == 0 {
		r.MaxPatients = DefaultBatchMaxPatients
	}
	if r.MaxPatients < 1 || r.MaxPatients > MaxBatchPatients {
		return WrapError(ErrInvalidInput, "batch request", fmt.Errorf("max_patients must be between 1 and %d", MaxBatchPatients))
	}
	if r.MaxFilesPerPatient <= 0 {
		r.MaxFilesPerPatient = defaultFilesPerPatient
	}
	if r.Recursive == nil {
		recursive := true
		r.Recursive = &recursive
	}
	return nil
}

func (r BatchRequest) IsRecursive() bool {
	return r.Recursive == nil || *r.Recursive
}

type FileRequest struct {
	FilePath         string     `json:"file_path"`
	DeviceType       DeviceType `json:"device_type"`
	ExtractThumbnail *bool      `json:"extract_thumbnail,omitempty"`
}

func (r *FileRequest) Normalize() error {
	r.FilePath = strings.TrimSpace(r.FilePath)
	if r.FilePath == "" {
		return WrapError(ErrInvalidInput, "file request", fmt.Errorf("file_path is required"))
	}
	r.DeviceType = ParseDeviceType(string(r.DeviceType))
	if r.ExtractThumbnail == nil {
		extract := true
		r.ExtractThumbnail = &extract
	}
	return nil
}

func (r FileRequest) WantsThumbnail() bool {
	return r.ExtractThumbnail == nil || *r.ExtractThumbnail
}

// Job is the queue message for one submitted task.
type Job struct {
	TaskID     string        `json:"task_id"`
	Kind       TaskKind      `json:"kind"`
	Batch      *BatchRequest `json:"batch,omitempty"`
	File       *FileRequest  `json:"file,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

type TaskTicket struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}

// BatchProgress is the pollable state of one task. Only the orchestrator
// running the task writes it; readers get copies.
type BatchProgress struct {
	TaskID          string      `json:"task_id"`
	Kind            TaskKind    `json:"kind,omitempty"`
	Status          TaskStatus  `json:"status"`
	TotalFiles      int         `json:"total_files"`
	ProcessedFiles  int         `json:"processed_files"`
	MatchedPatients int         `json:"matched_patients"`
	UniquePatients  int         `json:"unique_patients"`
	PatientKeys     []string    `json:"patient_keys,omitempty"`
	Errors          int         `json:"errors"`
	CurrentFile     string      `json:"current_file,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Error           string      `json:"error,omitempty"`
	Results         []OCRResult `json:"results,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PendingProgress is reported for unknown or not yet started tasks.
func PendingProgress(taskID string) BatchProgress {
	return BatchProgress{TaskID: taskID, Status: TaskPending}
}

// AddPatient records an identity key; repeated keys are not double counted.
func (p *BatchProgress) AddPatient(key string) {
	if key == "" {
		return
	}
	idx := sort.SearchStrings(p.PatientKeys, key)
	if idx < len(p.PatientKeys) && p.PatientKeys[idx] == key {
		return
	}
	p.PatientKeys = append(p.PatientKeys, "")
	copy(p.PatientKeys[idx+1:], p.PatientKeys[idx:])
	p.PatientKeys[idx] = key
	p.UniquePatients = len(p.PatientKeys)
}

// Snapshot returns a deep copy safe to hand to readers.
func (p BatchProgress) Snapshot() BatchProgress {
	out := p
	if p.PatientKeys != nil {
		out.PatientKeys = append([]string(nil), p.PatientKeys...)
	}
	if p.Results != nil {
		out.Results = append([]OCRResult(nil), p.Results...)
	}
	if p.StartedAt != nil {
		started := *p.StartedAt
		out.StartedAt = &started
	}
	if p.CompletedAt != nil {
		completed := *p.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

type PublishSummary struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}
