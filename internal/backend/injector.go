package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// StdinWriter abstracts "something with a writable stdin" so the injector
// works identically against a ForkBackend child process pipe and a
// ContainerBackend streaming attachment.
type StdinWriter interface {
	io.WriteCloser
}

// InjectCredential runs as a short-lived, isolated step that owns the
// agent's stdin handle for exactly as long as it takes to write one JSON
// line and close the write half. It never retains cred beyond this call --
// the caller should discard/Wipe its copy immediately after this returns.
func InjectCredential(ctx context.Context, w StdinWriter, cred Credential) error {
	defer cred.Wipe()

	line, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	line = append(line, '\n')

	done := make(chan error, 1)
	go func() {
		_, writeErr := w.Write(line)
		for i := range line {
			line[i] = 0
		}
		done <- writeErr
	}()

	select {
	case writeErr := <-done:
		if writeErr != nil {
			w.Close()
			return fmt.Errorf("write credential: %w", writeErr)
		}
	case <-ctx.Done():
		w.Close()
		return ctx.Err()
	}

	return w.Close()
}
