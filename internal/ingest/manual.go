package ingest

import (
	"fmt"

	"github.com/google/uuid"
)

// ManualUpload wraps a file uploaded through the API.
func ManualUpload(teamID uuid.UUID, filename, mimetype string, data []byte) *Attachment {
	name := WithExtension(SanitizeFileName(filename), DetectMimetype(data, mimetype))
	return &Attachment{
		TeamID:         teamID,
		Data:           data,
		Mimetype:       mimetype,
		Filename:       name,
		ReferenceID:    fmt.Sprintf("upload_%s_%s", uuid.NewString(), name),
		SourceMetadata: map[string]any{"source": "upload"},
	}
}
