package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// ModelFormat identifies the serialization of a model artifact. The constants
// cover local runtime formats; provider adapters may additionally declare
// vendor-native formats (e.g. "openai") that never appear as artifacts.
type ModelFormat string

const (
	FormatGGUF         ModelFormat = "GGUF"
	FormatONNX         ModelFormat = "ONNX"
	FormatTensorRT     ModelFormat = "TENSORRT"
	FormatTorchScript  ModelFormat = "TORCHSCRIPT"
	FormatTFSavedModel ModelFormat = "TENSORFLOW_SAVED_MODEL"
)

// IsArtifactFormat reports whether f is a format that materializes as a file
// on disk or in object storage.
func (f ModelFormat) IsArtifactFormat() bool {
	switch f {
	case FormatGGUF, FormatONNX, FormatTensorRT, FormatTorchScript, FormatTFSavedModel:
		return true
	default:
		return false
	}
}

// DeviceType identifies a compute device class a model can run on.
type DeviceType string

const (
	DeviceCPU   DeviceType = "CPU"
	DeviceCUDA  DeviceType = "CUDA"
	DeviceMetal DeviceType = "METAL"
	DeviceROCm  DeviceType = "ROCM"
)

// IsValid checks if the device type is one of the defined values.
func (d DeviceType) IsValid() bool {
	switch d {
	case DeviceCPU, DeviceCUDA, DeviceMetal, DeviceROCm:
		return true
	default:
		return false
	}
}

// ArtifactLocation describes one stored artifact. Checksum is frozen after
// upload.
type ArtifactLocation struct {
	URI       string `json:"uri"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	ETag      string `json:"etag,omitempty"`
}

// ResourceRequirements declares what a model needs from its host. Zero values
// mean "no stated requirement".
type ResourceRequirements struct {
	MinMemoryMB     int64      `json:"min_memory_mb,omitempty"`
	MinVRAMMB       int64      `json:"min_vram_mb,omitempty"`
	PreferredDevice DeviceType `json:"preferred_device,omitempty"`
}

// ModelManifest is the metadata record for one model of one tenant. A
// manifest either carries artifacts (local model) or names the provider that
// serves it. Shared-immutable: mutated only via re-registration.
type ModelManifest struct {
	ModelID          string                           `json:"model_id"`
	TenantID         string                           `json:"tenant_id"`
	Name             string                           `json:"name,omitempty"`
	Version          string                           `json:"version,omitempty"`
	ProviderID       string                           `json:"provider_id,omitempty"`
	Artifacts        map[ModelFormat]ArtifactLocation `json:"artifacts,omitempty"`
	SupportedDevices []DeviceType                     `json:"supported_devices,omitempty"`
	Requirements     ResourceRequirements             `json:"requirements,omitempty"`
	Metadata         map[string]string                `json:"metadata,omitempty"`
	CreatedAt        time.Time                        `json:"created_at,omitzero"`
	UpdatedAt        time.Time                        `json:"updated_at,omitzero"`
}

// Validate checks the manifest invariants.
func (m *ModelManifest) Validate() error {
	var problems []string
	if strings.TrimSpace(m.ModelID) == "" {
		problems = append(problems, "model_id is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if len(m.Artifacts) == 0 && m.ProviderID == "" {
		problems = append(problems, "manifest needs at least one artifact or a provider_id")
	}
	for f := range m.Artifacts {
		if !f.IsArtifactFormat() {
			problems = append(problems, "artifact format "+string(f)+" is not storable")
		}
	}
	for _, d := range m.SupportedDevices {
		if !d.IsValid() {
			problems = append(problems, "unsupported device "+string(d))
		}
	}
	if len(problems) > 0 {
		return inferr.Validation(strings.Join(problems, "; "))
	}
	return nil
}

// HasFormat reports whether the manifest stores an artifact in the given
// format.
func (m *ModelManifest) HasFormat(f ModelFormat) bool {
	_, ok := m.Artifacts[f]
	return ok
}

// Formats returns the artifact formats in stable (sorted) order.
func (m *ModelManifest) Formats() []ModelFormat {
	out := make([]ModelFormat, 0, len(m.Artifacts))
	for f := range m.Artifacts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsLocal reports whether the model is served from stored artifacts rather
// than a remote provider.
func (m *ModelManifest) IsLocal() bool {
	return len(m.Artifacts) > 0
}

// SupportsDevice reports whether the manifest lists the device. An empty
// device list means the model runs anywhere.
func (m *ModelManifest) SupportsDevice(d DeviceType) bool {
	if len(m.SupportedDevices) == 0 {
		return true
	}
	for _, sd := range m.SupportedDevices {
		if sd == d {
			return true
		}
	}
	return false
}

// VersionStatus is the lifecycle state of a stored model version.
type VersionStatus string

const (
	VersionActive     VersionStatus = "ACTIVE"
	VersionDeprecated VersionStatus = "DEPRECATED"
	VersionDeleted    VersionStatus = "DELETED"
)

// IsValid checks if the status is one of the defined values.
func (s VersionStatus) IsValid() bool {
	return s == VersionActive || s == VersionDeprecated || s == VersionDeleted
}

// CanTransitionTo reports whether the status may move to next. Versions only
// move forward: ACTIVE → DEPRECATED → DELETED.
func (s VersionStatus) CanTransitionTo(next VersionStatus) bool {
	switch s {
	case VersionActive:
		return next == VersionDeprecated || next == VersionDeleted
	case VersionDeprecated:
		return next == VersionDeleted
	default:
		return false
	}
}

// ModelVersion is one immutable uploaded artifact version of a model. The
// checksum is frozen at upload; ManifestSnapshot preserves the manifest as it
// was when the version was created.
type ModelVersion struct {
	ModelID          string          `json:"model_id"`
	TenantID         string          `json:"tenant_id"`
	Version          string          `json:"version"`
	StorageURI       string          `json:"storage_uri"`
	Format           ModelFormat     `json:"format"`
	Checksum         string          `json:"checksum"`
	SizeBytes        int64           `json:"size_bytes"`
	Status           VersionStatus   `json:"status"`
	ManifestSnapshot json.RawMessage `json:"manifest_snapshot,omitempty"`
	CreatedAt        time.Time       `json:"created_at,omitzero"`
}
