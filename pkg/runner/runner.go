// Package runner hosts the local execution layer: engines that load model
// artifacts into processes and the session pools that amortize those loads
// across requests. Loading a local model costs seconds to minutes, so loaded
// instances are pooled per (tenant, model, runner) and handed out under
// exclusive leases.
package runner

import (
	"context"

	"github.com/modelgrid/inferd/pkg/models"
)

// ChunkSink receives streamed chunks from a model handle. Returning an error
// stops generation.
type ChunkSink func(chunk models.StreamChunk) error

// ModelHandle is one loaded model instance. Handles are single-caller; the
// pool's lease contract guarantees no concurrent use.
type ModelHandle interface {
	// ID identifies this instance for logs and eviction events
	ID() string
	// ModelID is the model the instance serves
	ModelID() string
	// Device is where the instance runs
	Device() models.DeviceType
	// Infer executes one blocking call
	Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error)
	// InferStream generates chunks into sink until done or ctx ends
	InferStream(ctx context.Context, req *models.InferenceRequest, sink ChunkSink) error
	// Healthy probes the instance
	Healthy(ctx context.Context) bool
	// Close releases the instance. When discard is true the process is being
	// torn down and native cleanup may be skipped.
	Close(ctx context.Context, discard bool) error
}

// Runner loads model artifacts into live instances for one backend engine.
type Runner interface {
	// ID names the runner; it is the third component of the pool key
	ID() string
	// SupportedFormats lists artifact formats this runner can load
	SupportedFormats() []models.ModelFormat
	// SupportedDevices lists devices this runner can place instances on
	SupportedDevices() []models.DeviceType
	// Load starts one instance of the manifest's artifact on device
	Load(ctx context.Context, manifest *models.ModelManifest, device models.DeviceType) (ModelHandle, error)
	// Shutdown releases runner-wide resources after all handles are closed
	Shutdown(ctx context.Context) error
}

// PickFormat returns the first manifest artifact format the runner supports.
func PickFormat(r Runner, manifest *models.ModelManifest) (models.ModelFormat, bool) {
	for _, f := range r.SupportedFormats() {
		if manifest.HasFormat(f) {
			return f, true
		}
	}
	return "", false
}

// PickDevice resolves the device an instance should run on: the request hint
// when the runner and manifest allow it, then the manifest preference, then
// the runner's first supported device.
func PickDevice(r Runner, manifest *models.ModelManifest, hint models.DeviceType) models.DeviceType {
	supported := r.SupportedDevices()
	allowed := func(d models.DeviceType) bool {
		if !d.IsValid() || !manifest.SupportsDevice(d) {
			return false
		}
		for _, sd := range supported {
			if sd == d {
				return true
			}
		}
		return false
	}
	if allowed(hint) {
		return hint
	}
	if allowed(manifest.Requirements.PreferredDevice) {
		return manifest.Requirements.PreferredDevice
	}
	if len(supported) > 0 {
		return supported[0]
	}
	return models.DeviceCPU
}
