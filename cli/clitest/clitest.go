// Package clitest runs roomctl commands in tests.
package clitest

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/coder/serpent"
)

// Buffer is a bytes.Buffer safe for concurrent use, so commands can
// write while tests read.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// New returns an invocation of cmd with args. Stdout is captured and
// stderr is forwarded to the test log.
func New(t testing.TB, cmd *serpent.Command, args ...string) (*serpent.Invocation, *Buffer) {
	t.Helper()
	stdout := &Buffer{}
	inv := cmd.Invoke(args...)
	inv.Stdout = stdout
	inv.Stderr = StdoutLogs(t)
	inv.Stdin = strings.NewReader("")
	inv.Environ = serpent.Environ{}
	return inv, stdout
}

// StdoutLogs returns a writer that logs each line it receives.
func StdoutLogs(t testing.TB) io.Writer {
	reader, writer := io.Pipe()
	scanner := bufio.NewScanner(reader)
	done := make(chan struct{})
	t.Cleanup(func() {
		_ = reader.Close()
		_ = writer.Close()
		<-done
	})
	go func() {
		defer close(done)
		for scanner.Scan() {
			t.Log(scanner.Text())
		}
	}()
	return writer
}
