package diffusion

import (
	"os"
	"path"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachCheckpointFreshDir(t *testing.T) {
	config := getTestConfig(t)
	checkpoint, noise, classIds := config.AttachCheckpoint("model")
	require.NotNil(t, checkpoint)
	defer finalize(noise, classIds)

	// A fresh directory gets the monitoring fixtures but holds no trained weights yet: samplers
	// must check HasCheckpoints before generating, a new model only produces noise.
	assert.False(t, must.M1(checkpoint.HasCheckpoints()))
	for _, name := range []string{NoiseSamplesFile, ClassIdsSamplesFile} {
		_, err := os.Stat(path.Join(checkpoint.Dir(), name))
		assert.NoError(t, err, "expected fixture %q next to the checkpoints", name)
	}

	require.NoError(t, checkpoint.Save())
	assert.True(t, must.M1(checkpoint.HasCheckpoints()))
}

func TestResolveModelPath(t *testing.T) {
	dataDir := t.TempDir()
	resolved, err := ResolveModelPath(dataDir, "base")
	require.NoError(t, err)
	assert.Equal(t, path.Join(dataDir, "base"), resolved)

	absolute := path.Join(t.TempDir(), "elsewhere")
	resolved, err = ResolveModelPath(dataDir, absolute)
	require.NoError(t, err)
	assert.Equal(t, absolute, resolved)

	_, err = ResolveModelPath(dataDir, "hf://missing-owner")
	assert.Error(t, err, "a HuggingFace reference requires at least owner/repo")
}
