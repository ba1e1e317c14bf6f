package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// TarProcess shells out to a tar binary run inside the root directory.
// A non-zero exit is reported with the captured stderr.
type TarProcess struct {
	bin string
}

func NewTarProcess(bin string) *TarProcess {
	return &TarProcess{bin: bin}
}

type processStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (s *processStream) Wait() error {
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w: %s", s.cmd.Path, err, strings.TrimSpace(s.stderr.String()))
	}

	return nil
}

func (a *TarProcess) Compress(ctx context.Context, root string) (Stream, error) {
	cmd := exec.CommandContext(ctx, a.bin, "-cz", ".")
	cmd.Dir = root

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.bin, err)
	}

	return &processStream{ReadCloser: stdout, cmd: cmd, stderr: &stderr}, nil
}

func (a *TarProcess) Extract(ctx context.Context, root string, r io.Reader) error {
	cmd := exec.CommandContext(ctx, a.bin, "-xz")
	cmd.Dir = root
	cmd.Stdin = r

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", a.bin, err, strings.TrimSpace(stderr.String()))
	}

	return nil
}
