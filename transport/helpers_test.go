package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingHandler collects transport callbacks for assertions.
type recordingHandler struct {
	msgs chan []byte
	errs chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		msgs: make(chan []byte, 64),
		errs: make(chan error, 4),
	}
}

func (h *recordingHandler) HandleMessage(p []byte) { h.msgs <- p }

func (h *recordingHandler) HandleError(err error) { h.errs <- err }

func (h *recordingHandler) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for message")
		return nil
	}
}

func (h *recordingHandler) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for error")
		return nil
	}
}

func (h *recordingHandler) noErr(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case err := <-h.errs:
		require.FailNow(t, "unexpected transport error", "%v", err)
	case <-time.After(wait):
	}
}
