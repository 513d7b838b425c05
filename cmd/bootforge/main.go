package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"bootforge"
)

// Exit codes, stable for pipeline consumers.
const (
	exitOK                 = 0
	exitIO                 = 1
	exitBadMagic           = 2
	exitTruncated          = 3
	exitUnsupportedVersion = 4
	exitMissingComponent   = 5
	exitSizeOverflow       = 6
	exitToolchain          = 7
	exitCorruptConfig      = 8
	exitConfigAbsent       = 9
	exitUsage              = 10
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bootforge <command> [flags] [args]

commands:
  unpack      unpack a boot or vendor_boot image into components + info record
  repack      rebuild an image from an unpack directory (kernel substitutable)
  ikconfig    recover the embedded kernel configuration from a kernel image
  payload     extract a boot image from an update_engine payload.bin
  hexpatch    replace hex byte patterns in a file, in place
  split-dtb   split a kernel image from its appended device tree
  compress    compress a file (gzip/zopfli/xz/lzma/bzip2/lz4/zstd)
  decompress  decompress a file (format sniffed from magic)

exit codes: 0 ok, 1 i/o, 2 bad magic, 3 truncated, 4 unsupported header
version, 5 missing component on rebuild, 6 size overflow, 7 no repack
backend, 8 corrupt embedded config, 9 no embedded config, 10 usage
`)
}

func exitCode(err error) int {
	var fe *bootforge.FormatError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case bootforge.BadMagic:
			return exitBadMagic
		case bootforge.Truncated:
			return exitTruncated
		case bootforge.UnsupportedVersion:
			return exitUnsupportedVersion
		case bootforge.SizeOverflow:
			return exitSizeOverflow
		case bootforge.CorruptConfig:
			return exitCorruptConfig
		}
	}
	if errors.Is(err, bootforge.ErrMissingComponent) {
		return exitMissingComponent
	}
	if errors.Is(err, bootforge.ErrToolchainUnavailable) {
		return exitToolchain
	}
	return exitIO
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "bootforge:", err)
	os.Exit(exitCode(err))
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "unpack":
		cmdUnpack(args)
	case "repack":
		cmdRepack(args)
	case "ikconfig":
		cmdIkconfig(args)
	case "payload":
		cmdPayload(args)
	case "hexpatch":
		cmdHexpatch(args)
	case "split-dtb":
		cmdSplitDtb(args)
	case "compress":
		cmdCompress(args, false)
	case "decompress":
		cmdCompress(args, true)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "bootforge: unknown command %q\n", cmd)
		usage()
		os.Exit(exitUsage)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	verbose := fs.BoolP("verbose", "v", false, "log codec decisions")
	return fs, verbose
}

func cmdUnpack(args []string) {
	fs, verbose := newFlagSet("unpack")
	outDir := fs.StringP("outdir", "o", "", "output directory for components and info record")
	expect := fs.Int32("expect-version", -1, "pin the header version instead of detecting it")
	maxPlausible := fs.Uint32("max-plausible-version", bootforge.DefaultMaxPlausibleVersion,
		"trust threshold for the on-disk header_version word")
	fs.Parse(args)

	if fs.NArg() != 1 || *outDir == "" {
		fmt.Fprintln(os.Stderr, "usage: bootforge unpack -o <outdir> <boot.img>")
		os.Exit(exitUsage)
	}
	input := fs.Arg(0)
	logger := newLogger(*verbose)
	defer logger.Sync()

	opts := &bootforge.ParseOptions{
		MaxPlausibleVersion: *maxPlausible,
		Logger:              logger,
	}
	if *expect >= 0 {
		v := uint32(*expect)
		opts.ExpectedVersion = &v
	}

	prefix := make([]byte, bootforge.BootMagicSize)
	f, err := os.Open(input)
	if err != nil {
		fail(err)
	}
	f.Read(prefix) //nolint:errcheck
	f.Close()

	if bootforge.DetectFormat(prefix) == bootforge.FmtVendorBoot {
		info, comps, err := bootforge.UnpackVendor(input, *outDir, opts)
		if err != nil {
			fail(err)
		}
		fmt.Printf("VNDRBOOT v%d image, page size %d\n", info.HeaderVersion, info.PageSize)
		printComponents(comps)
		return
	}

	info, comps, err := bootforge.Unpack(input, *outDir, opts)
	if err != nil {
		fail(err)
	}

	a, b, c := info.OSVersionTriple()
	y, m := info.PatchLevel()
	fmt.Printf("ANDROID! v%d image, page size %d\n", info.HeaderVersion, info.PageSize)
	if info.OsVersion != 0 {
		fmt.Printf("os version %d.%d.%d, patch level %d-%02d\n", a, b, c, y, m)
	}
	if cl := info.CmdlineString(); cl != "" {
		fmt.Printf("cmdline [%s]\n", cl)
	}
	printComponents(comps)
}

func printComponents(comps map[bootforge.Component][]byte) {
	for _, kind := range []bootforge.Component{
		bootforge.ComponentKernel,
		bootforge.ComponentRamdisk,
		bootforge.ComponentSecond,
		bootforge.ComponentRecoveryDtbo,
		bootforge.ComponentDtb,
		bootforge.ComponentSignature,
		bootforge.ComponentVendorRamdisk,
		bootforge.ComponentRamdiskTable,
		bootforge.ComponentBootconfig,
	} {
		if blob, ok := comps[kind]; ok {
			fmt.Printf("  %-20s %10s (%s bytes)\n", kind,
				humanize.IBytes(uint64(len(blob))), humanize.Comma(int64(len(blob))))
		}
	}
}

func cmdRepack(args []string) {
	fs, verbose := newFlagSet("repack")
	dir := fs.StringP("dir", "d", "", "unpack directory with components and info record")
	kernel := fs.StringP("kernel", "k", "", "replacement kernel image (default: extracted kernel)")
	out := fs.StringP("output", "o", bootforge.NewBootFile, "output image path")
	toolchainCfg := fs.String("toolchain-config", "", "YAML listing external repackers to prefer")
	fs.Parse(args)

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: bootforge repack -d <unpackdir> [-k kernel] [-o out.img]")
		os.Exit(exitUsage)
	}
	logger := newLogger(*verbose)
	defer logger.Sync()

	if _, err := os.Stat(filepath.Join(*dir, bootforge.VendorInfoFile)); err == nil {
		info, err := bootforge.RepackVendorDir(*dir, *out, &bootforge.BuildOptions{Logger: logger})
		if err != nil {
			fail(err)
		}
		fmt.Printf("repacked VNDRBOOT v%d image to %s\n", info.HeaderVersion, *out)
		return
	}

	var cfg *bootforge.ToolchainConfig
	if *toolchainCfg != "" {
		var err error
		cfg, err = bootforge.LoadToolchainConfig(*toolchainCfg)
		if err != nil {
			fail(err)
		}
	}

	tc := bootforge.NewToolchain(cfg, logger)
	if err := tc.Repack(context.Background(), *dir, *kernel, *out); err != nil {
		fail(err)
	}
	fmt.Printf("repacked image to %s\n", *out)
}

func cmdIkconfig(args []string) {
	fs, verbose := newFlagSet("ikconfig")
	out := fs.StringP("output", "o", "", "write the configuration here instead of stdout")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bootforge ikconfig [-o config] <kernel>")
		os.Exit(exitUsage)
	}
	logger := newLogger(*verbose)
	defer logger.Sync()

	config, found, err := bootforge.ExtractIkconfigFile(fs.Arg(0), logger)
	if err != nil {
		fail(err)
	}
	if !found {
		fmt.Fprintln(os.Stderr, "bootforge: kernel has no embedded config (CONFIG_IKCONFIG not set?)")
		os.Exit(exitConfigAbsent)
	}

	if *out == "" {
		fmt.Print(config)
		return
	}
	if err := os.WriteFile(*out, []byte(config), 0o644); err != nil {
		fail(err)
	}
	fmt.Fprintf(os.Stderr, "kernel config extracted to %s\n", *out)
}

func cmdPayload(args []string) {
	fs, verbose := newFlagSet("payload")
	partition := fs.StringP("partition", "p", "", "partition to extract (default: init_boot, then boot)")
	out := fs.StringP("output", "o", "", "output image path (default: <partition>.img)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bootforge payload [-p partition] [-o out.img] <payload.bin>")
		os.Exit(exitUsage)
	}
	logger := newLogger(*verbose)
	defer logger.Sync()

	outPath := *out
	if outPath == "" {
		name := *partition
		if name == "" {
			name = "boot"
		}
		outPath = name + ".img"
	}
	if err := bootforge.ExtractBootFromPayload(fs.Arg(0), *partition, outPath, logger); err != nil {
		fail(err)
	}
	fmt.Printf("extracted to %s\n", outPath)
}

func cmdHexpatch(args []string) {
	fs, verbose := newFlagSet("hexpatch")
	fs.Parse(args)

	if fs.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: bootforge hexpatch <file> <from-hex> <to-hex>")
		os.Exit(exitUsage)
	}
	logger := newLogger(*verbose)
	defer logger.Sync()

	count, err := bootforge.HexPatch(fs.Arg(0), fs.Arg(1), fs.Arg(2), logger)
	if err != nil {
		fail(err)
	}
	fmt.Printf("patched %d site(s)\n", count)
}

func cmdSplitDtb(args []string) {
	fs, verbose := newFlagSet("split-dtb")
	outDir := fs.StringP("outdir", "o", ".", "output directory")
	skipDecomp := fs.Bool("skip-decomp", false, "keep the kernel part compressed")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bootforge split-dtb [-o outdir] <kernel>")
		os.Exit(exitUsage)
	}
	logger := newLogger(*verbose)
	defer logger.Sync()

	if err := bootforge.SplitKernelDtb(fs.Arg(0), *outDir, *skipDecomp, logger); err != nil {
		fail(err)
	}
}

func cmdCompress(args []string, decompress bool) {
	name := "compress"
	if decompress {
		name = "decompress"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	format := fs.StringP("format", "f", "", "compression format (compress default gzip, decompress sniffs)")
	fs.Parse(args)

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintf(os.Stderr, "usage: bootforge %s [-f format] <file> [outfile]\n", name)
		os.Exit(exitUsage)
	}

	input := fs.Arg(0)
	data, err := os.ReadFile(input)
	if err != nil {
		fail(err)
	}

	var f bootforge.Format
	if *format != "" {
		if f = bootforge.Name2Fmt(*format); f == bootforge.FmtUnknown {
			fmt.Fprintf(os.Stderr, "bootforge: unknown format %q\n", *format)
			os.Exit(exitUsage)
		}
	} else if decompress {
		if f = bootforge.DetectFormat(data); !f.Compressed() {
			fmt.Fprintf(os.Stderr, "bootforge: %s is not in a known compressed format\n", input)
			os.Exit(exitUsage)
		}
	} else {
		f = bootforge.FmtGzip
	}

	var out []byte
	if decompress {
		out, err = bootforge.Decompress(f, data)
	} else {
		out, err = bootforge.Compress(f, data)
	}
	if err != nil {
		fail(err)
	}

	outPath := defaultCodecPath(input, f, decompress)
	if fs.NArg() == 2 {
		outPath = fs.Arg(1)
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		fail(err)
	}
	fmt.Printf("%s -> %s (%s)\n", input, outPath, humanize.IBytes(uint64(len(out))))
}

func defaultCodecPath(input string, f bootforge.Format, decompress bool) string {
	if !decompress {
		return input + bootforge.Fmt2Ext(f)
	}
	if ext := bootforge.Fmt2Ext(f); ext != "" && strings.HasSuffix(input, ext) {
		return strings.TrimSuffix(input, ext)
	}
	return input + ".raw"
}
