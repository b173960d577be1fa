// Package blob stores uploaded media and returns the URL it is served from.
package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix is the key prefix of message attachments.
const Prefix = "messages/"

// Store persists an object and returns its public URL.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	// Delete removes an object. Removing a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

// ObjectName builds messages/<unix-ms>-<uuid><ext> from the uploaded file name.
func ObjectName(original string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return fmt.Sprintf("%s%d-%s%s", Prefix, now.UnixMilli(), uuid.NewString(), ext)
}
