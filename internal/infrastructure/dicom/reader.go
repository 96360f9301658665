package dicom

import (
	"context"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

// Reader parses DICOM headers; pixel data is never loaded.
type Reader struct{}

func NewReader() *Reader {
	return &Reader{}
}

func (r *Reader) ReadHeader(ctx context.Context, path string) (domain.DICOMHeader, error) {
	if err := ctx.Err(); err != nil {
		return domain.DICOMHeader{}, err
	}
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return domain.DICOMHeader{}, fmt.Errorf("parse dicom: %w", err)
	}
	return headerFromDataset(ds), nil
}

func headerFromDataset(ds dicom.Dataset) domain.DICOMHeader {
	last, first := splitPersonName(firstString(ds, tag.PatientName))
	laterality := firstString(ds, tag.Laterality)
	if laterality == "" {
		laterality = firstString(ds, tag.ImageLaterality)
	}
	return domain.DICOMHeader{
		LastName:    last,
		FirstName:   first,
		PatientID:   firstString(ds, tag.PatientID),
		BirthDate:   firstString(ds, tag.PatientBirthDate),
		Sex:         firstString(ds, tag.PatientSex),
		StudyDate:   firstString(ds, tag.StudyDate),
		Modality:    firstString(ds, tag.Modality),
		Laterality:  laterality,
		Description: firstString(ds, tag.StudyDescription),
	}
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok {
		return ""
	}
	for _, v := range values {
		if v = strings.TrimSpace(strings.TrimRight(v, "\x00")); v != "" {
			return v
		}
	}
	return ""
}

// splitPersonName splits a PN value "Last^First^Middle^Prefix^Suffix".
func splitPersonName(pn string) (last, first string) {
	parts := strings.Split(pn, "^")
	last = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		first = strings.TrimSpace(parts[1])
	}
	return last, first
}
