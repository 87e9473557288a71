package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.3"
	assert.Contains(t, Info(), "visionchat v1.2.3")
	assert.Contains(t, Info(), "commit "+Commit)
}
