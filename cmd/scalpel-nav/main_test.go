// File: cmd/scalpel-nav/main_test.go
package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-nav/cmd"
)

// resetMocks restores the process-level function variables.
func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	stderr = os.Stderr
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("Writes panic log", func(t *testing.T) {
		resetMocks()
		var errOut bytes.Buffer
		stderr = &errOut

		var (
			writtenName string
			written     []byte
			exitCode    = -1
		)
		osWriteFile = func(name string, data []byte, perm os.FileMode) error {
			writtenName, written = name, data
			return nil
		}
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("navigation exploded")
		}()

		assert.Equal(t, panicLogFile, writtenName)
		assert.True(t, strings.HasPrefix(string(written), "panic: navigation exploded\n\n"))
		assert.Contains(t, string(written), "goroutine", "the stack trace is included")
		assert.Equal(t, 1, exitCode)
		assert.Contains(t, errOut.String(), "Details logged to panic.log")
	})

	t.Run("Falls back to stderr", func(t *testing.T) {
		resetMocks()
		var errOut bytes.Buffer
		stderr = &errOut
		exitCode := -1
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 1, exitCode)
		assert.Contains(t, errOut.String(), "CRITICAL: Failed to write panic log: read-only filesystem")
		assert.Contains(t, errOut.String(), "panic: boom")
	})

	t.Run("No panic is a no-op", func(t *testing.T) {
		resetMocks()
		called := false
		osExit = func(int) { called = true }
		func() {
			defer handlePanic()
		}()
		assert.False(t, called)
	})
}

func TestInteractive(t *testing.T) {
	t.Cleanup(resetMocks)
	in := strings.NewReader("\nversion\nbogus\nexit\nversion\n")
	var out bytes.Buffer

	require.NoError(t, interactive(context.Background(), in, &out))

	got := out.String()
	assert.Equal(t, 1, strings.Count(got, "> scalpel-nav "+cmd.Version+"\n"), "commands after exit are not run")
	assert.Contains(t, got, `Error: unknown command "bogus"`)
	assert.True(t, strings.HasSuffix(got, "Exiting scalpel-nav.\n"))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestInteractive_ReadError(t *testing.T) {
	err := interactive(context.Background(), failingReader{}, io.Discard)
	assert.EqualError(t, err, "tty gone")
}
