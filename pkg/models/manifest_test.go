package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localManifest() *ModelManifest {
	return &ModelManifest{
		ModelID:  "llama3:8b",
		TenantID: "acme",
		Artifacts: map[ModelFormat]ArtifactLocation{
			FormatGGUF: {URI: "file:///models/llama3-8b.gguf", SizeBytes: 4_800_000_000},
		},
		SupportedDevices: []DeviceType{DeviceCPU, DeviceCUDA},
	}
}

func TestManifestValidate(t *testing.T) {
	assert.NoError(t, localManifest().Validate())

	provider := &ModelManifest{ModelID: "gpt-4", TenantID: "acme", ProviderID: "openai"}
	assert.NoError(t, provider.Validate())
}

func TestManifestValidateFailures(t *testing.T) {
	m := &ModelManifest{}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_id is required")
	assert.Contains(t, err.Error(), "tenant_id is required")
	assert.Contains(t, err.Error(), "at least one artifact or a provider_id")

	bad := localManifest()
	bad.Artifacts["openai"] = ArtifactLocation{URI: "https://example.com"}
	assert.ErrorContains(t, bad.Validate(), "not storable")

	badDevice := localManifest()
	badDevice.SupportedDevices = append(badDevice.SupportedDevices, "TPU")
	assert.ErrorContains(t, badDevice.Validate(), "unsupported device")
}

func TestManifestFormats(t *testing.T) {
	m := localManifest()
	m.Artifacts[FormatONNX] = ArtifactLocation{URI: "file:///models/llama3.onnx"}

	assert.True(t, m.HasFormat(FormatGGUF))
	assert.False(t, m.HasFormat(FormatTensorRT))
	assert.Equal(t, []ModelFormat{FormatGGUF, FormatONNX}, m.Formats())
	assert.True(t, m.IsLocal())
}

func TestManifestSupportsDevice(t *testing.T) {
	m := localManifest()
	assert.True(t, m.SupportsDevice(DeviceCUDA))
	assert.False(t, m.SupportsDevice(DeviceMetal))

	open := &ModelManifest{ModelID: "x", TenantID: "t", ProviderID: "openai"}
	assert.True(t, open.SupportsDevice(DeviceMetal), "empty device list runs anywhere")
}

func TestVersionStatusTransitions(t *testing.T) {
	assert.True(t, VersionActive.CanTransitionTo(VersionDeprecated))
	assert.True(t, VersionActive.CanTransitionTo(VersionDeleted))
	assert.True(t, VersionDeprecated.CanTransitionTo(VersionDeleted))
	assert.False(t, VersionDeprecated.CanTransitionTo(VersionActive))
	assert.False(t, VersionDeleted.CanTransitionTo(VersionActive))
	assert.False(t, VersionDeleted.CanTransitionTo(VersionDeprecated))
}
