package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func commandOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return nil, fmt.Errorf("%w: %s", err, tail)
	}
	return stdout.Bytes(), nil
}
