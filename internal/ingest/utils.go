package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
)

const (
	doneSuffix     = ".done"
	rejectedSuffix = ".rejected"
)

// AllowedExt checks if a file extension is one the inbox picks up.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func pipelineJob(ref, contentType string, sub Submission) pipeline.NewJob {
	return pipeline.NewJob{
		DocumentRef:   ref,
		ContentType:   contentType,
		Destination:   sub.Destination,
		Source:        sub.Source,
		ExternalFaxID: sub.ExternalFaxID,
	}
}
