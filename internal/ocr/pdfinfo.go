package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// pdfPageCount runs pdfinfo and parses the "Pages:" line.
func pdfPageCount(ctx context.Context, binPath, pdfPath string) (int, error) {
	cmd := exec.CommandContext(ctx, binPath, pdfPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, eris.Wrapf(err, "ocr: pdfinfo failed for %s: %s", pdfPath, stderr.String())
	}

	for _, line := range strings.Split(stdout.String(), "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			return 0, eris.Wrapf(err, "ocr: parse pdfinfo page count for %s", pdfPath)
		}
		return n, nil
	}

	return 0, eris.Errorf("ocr: no Pages line in pdfinfo output for %s", pdfPath)
}
