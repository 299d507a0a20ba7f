package xerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap("vfs", IO, cause, "write page %d", 7)

	assert.Equal(t, "vfs: io: write page 7: disk full", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestCodeOf(t *testing.T) {
	err := New("snapshot", Busy, "lease held")

	assert.Equal(t, Busy, CodeOf(err))
	assert.True(t, Is(err, Busy))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, Unknown, CodeOf(fmt.Errorf("plain")))
}

func TestIsComparesCodeNotMessage(t *testing.T) {
	a := New("vfs", NotFound, "path /a")
	b := New("controlplane", NotFound, "snapshot missing")

	assert.True(t, errors.Is(a, b))
}
