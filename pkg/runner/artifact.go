package runner

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// ResolveArtifact turns an artifact location into a local filesystem path.
// Only file:// URIs (and bare paths) resolve; remote schemes require a
// download step that is not part of the serving path.
func ResolveArtifact(loc models.ArtifactLocation) (string, error) {
	if strings.TrimSpace(loc.URI) == "" {
		return "", inferr.Validation("artifact uri is empty")
	}

	path := loc.URI
	if strings.Contains(loc.URI, "://") {
		u, err := url.Parse(loc.URI)
		if err != nil {
			return "", inferr.Wrap(inferr.KindValidation, fmt.Sprintf("parse artifact uri %q", loc.URI), err)
		}
		if u.Scheme != "file" {
			return "", inferr.Newf(inferr.KindValidation, "artifact scheme %q is not loadable locally", u.Scheme)
		}
		path = u.Path
		if u.Host != "" && u.Host != "localhost" {
			return "", inferr.Newf(inferr.KindValidation, "artifact uri %q names a remote host", loc.URI)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", inferr.Wrap(inferr.KindModelNotFound, fmt.Sprintf("artifact %q", path), err)
	}
	if loc.SizeBytes > 0 && info.Size() != loc.SizeBytes {
		return "", inferr.Newf(inferr.KindValidation,
			"artifact %q size mismatch: manifest says %d bytes, file has %d", path, loc.SizeBytes, info.Size())
	}
	return path, nil
}
