//go:build unix

package main

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type visibilityRecorder struct {
	changes []bool
}

func (r *visibilityRecorder) VisibilityChanged(visible bool) {
	r.changes = append(r.changes, visible)
}

func TestSuspendAndResumeReachVisibilityListener(t *testing.T) {
	var recorder visibilityRecorder
	stops := 0
	stop := func() { stops++ }

	assert.True(t, applyVisibility(&recorder, syscall.SIGTSTP, stop))
	assert.Equal(t, 1, stops)
	assert.True(t, applyVisibility(&recorder, syscall.SIGCONT, stop))
	assert.Equal(t, 1, stops)
	assert.Equal(t, []bool{false, true}, recorder.changes)
}

func TestShutdownSignalsAreNotVisibilityChanges(t *testing.T) {
	var recorder visibilityRecorder
	stop := func() { t.Fatal("stop should not run") }

	assert.False(t, applyVisibility(&recorder, os.Interrupt, stop))
	assert.False(t, applyVisibility(&recorder, syscall.SIGTERM, stop))
	assert.Empty(t, recorder.changes)
}

func TestVisibilitySignalsAreTrapped(t *testing.T) {
	assert.ElementsMatch(t, []os.Signal{syscall.SIGTSTP, syscall.SIGCONT}, visibilitySignals)
	assert.True(t, applyVisibility(nil, syscall.SIGCONT, nil))
}
