package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PotreeMetadataFile is written by PotreeConverter 2.x at the root of its
// output directory. A conversion without it is unusable.
const PotreeMetadataFile = "metadata.json"

var ErrNoPotreeMetadata = errors.New("converter produced no " + PotreeMetadataFile)

// Potree wraps PotreeConverter.
type Potree struct {
	runner  Runner
	bin     string
	timeout time.Duration
}

func NewPotree(runner Runner, bin string, timeout time.Duration) *Potree {
	return &Potree{runner: runner, bin: bin, timeout: timeout}
}

// Convert builds a web-streamable octree of in under outDir. The converter
// loads resources relative to its own location, so when bin is a path it is
// run from that directory.
func (p *Potree) Convert(ctx context.Context, in, outDir, proj4 string) error {
	args := []string{in, "-o", outDir, "--overwrite"}
	if proj4 = strings.TrimSpace(proj4); proj4 != "" {
		args = append(args, "--projection", proj4)
	}

	cmd := Command{Name: p.bin, Args: args, Timeout: p.timeout}
	if strings.ContainsRune(p.bin, filepath.Separator) {
		cmd.Dir = filepath.Dir(p.bin)
	}
	if _, err := p.runner.Run(ctx, cmd); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(outDir, PotreeMetadataFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoPotreeMetadata
		}
		return fmt.Errorf("check converter output: %w", err)
	}
	return nil
}
