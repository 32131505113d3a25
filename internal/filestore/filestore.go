// Package filestore is the blob-store collaborator for message attachments:
// content goes in, an opaque reference and a media-kind tag come out.
package filestore

import (
	"io"

	"github.com/h2non/filetype"

	"talktime/internal/models"
)

type FileStore interface {
	// Save stores the content and returns its reference. Saving the same
	// content twice returns the same reference.
	Save(r io.Reader) (string, error)

	// Get retrieves the content for the given reference.
	Get(ref string) (io.ReadCloser, error)
}

// DetectKind classifies an attachment by the magic bytes of its first chunk.
// Anything unrecognized is a generic file.
func DetectKind(head []byte) models.AttachmentKind {
	switch {
	case filetype.IsImage(head):
		return models.AttachmentKindImage
	case filetype.IsVideo(head):
		return models.AttachmentKindVideo
	case filetype.IsAudio(head):
		return models.AttachmentKindAudio
	default:
		return models.AttachmentKindFile
	}
}
