package bootforge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExternalTool describes one external repacker executable. Args are passed
// verbatim after expanding the placeholders {dir} (unpack directory),
// {kernel} (replacement kernel path) and {out} (output image path).
type ExternalTool struct {
	Name             string   `yaml:"name"`
	MaxHeaderVersion uint32   `yaml:"max_header_version"`
	Args             []string `yaml:"args"`
}

// ToolchainConfig is the optional YAML file listing external repackers in
// preference order. With no config the adapter goes straight to the builtin
// builder.
type ToolchainConfig struct {
	Tools []ExternalTool `yaml:"tools"`
}

// LoadToolchainConfig reads a toolchain YAML config.
func LoadToolchainConfig(path string) (*ToolchainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var cfg ToolchainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &cfg, nil
}

// Toolchain dispatches a repack request to the preferred available backend.
// It never parses binary layout itself; the byte-exactness guarantees live in
// the builtin builder only.
type Toolchain struct {
	tools  []ExternalTool
	logger *zap.Logger
}

func NewToolchain(cfg *ToolchainConfig, logger *zap.Logger) *Toolchain {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Toolchain{logger: logger}
	if cfg != nil {
		t.tools = cfg.Tools
	}
	return t
}

// lookPath is swapped out by tests.
var lookPath = exec.LookPath

// Repack rebuilds the image in dir (an Unpack output directory) into outPath,
// substituting the kernel at kernelPath when non-empty. External tools are
// tried in configured order, skipping those missing from PATH or capped below
// the image's header version; the builtin builder is the final fallback. The
// chosen backend is always logged.
func (t *Toolchain) Repack(ctx context.Context, dir, kernelPath, outPath string) error {
	info, err := LoadInfo(filepath.Join(dir, InfoFile))
	if err != nil {
		return err
	}

	for _, tool := range t.tools {
		if info.HeaderVersion > tool.MaxHeaderVersion {
			t.logger.Info("external repacker capped below image version",
				zap.String("tool", tool.Name),
				zap.Uint32("tool_max", tool.MaxHeaderVersion),
				zap.Uint32("header_version", info.HeaderVersion))
			continue
		}
		bin, err := lookPath(tool.Name)
		if err != nil {
			t.logger.Info("external repacker not on PATH", zap.String("tool", tool.Name))
			continue
		}

		replacer := strings.NewReplacer("{dir}", dir, "{kernel}", kernelPath, "{out}", outPath)
		args := make([]string, 0, len(tool.Args))
		for _, a := range tool.Args {
			args = append(args, replacer.Replace(a))
		}

		t.logger.Info("repacking with external tool",
			zap.String("tool", bin), zap.Strings("args", args))
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		return errors.Wrapf(cmd.Run(), "external repacker %s", tool.Name)
	}

	if info.HeaderVersion > MaxHeaderVersion {
		return errors.Wrapf(ErrToolchainUnavailable,
			"no external tool handles header version %d and the builtin builder stops at %d",
			info.HeaderVersion, MaxHeaderVersion)
	}

	t.logger.Info("no usable external repacker, using builtin builder",
		zap.Uint32("header_version", info.HeaderVersion))
	_, err = RepackDir(dir, kernelPath, outPath, &BuildOptions{Logger: t.logger})
	return err
}
