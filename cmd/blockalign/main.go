// Command blockalign is the block-aligner's CLI front end (spec §6):
// it pipes an input stream through align.Encoder to produce a
// self-describing AlignContainer, or back through align.Decoder to
// restore the original bytes, consulting an AlignHashDb sidecar file
// so chunks unchanged since the previous run land at the same
// container offset.
//
// No pack repo demonstrates a CLI argument parser for a tool shaped
// like this one (single binary, positional input/output/hash-file
// arguments, one boolean mode flag); spf13/cobra is wired here as the
// module's one dependency not grounded in a specific corpus example,
// chosen because it's the de facto standard for single-binary Go
// CLIs and already present in go.mod.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/urbackup-go/blockalign/align"
	"github.com/urbackup-go/blockalign/aligndb"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var restore bool

	root := &cobra.Command{
		Use:          "blockalign [input] [output] [hash_file]",
		Short:        "Content-defined block alignment encoder/decoder",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return runBlockalign(cmdArgs, restore)
		},
	}
	root.Flags().BoolVarP(&restore, "restore", "r", false, "restore (decode) instead of encode")
	root.SetArgs(args)
	root.SetVersionTemplate("blockalign version {{.Version}}\n")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "blockalign:", err)
		return 1
	}
	return 0
}

func runBlockalign(args []string, restore bool) error {
	inputPath := arg(args, 0, "-")
	outputPath := arg(args, 1, "-")
	hashFilePath := arg(args, 2, "")

	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer closeOut()

	if hashFilePath == "" {
		hashFilePath = defaultHashFile(inputPath, outputPath, restore)
	}

	if restore {
		return decode(in, out)
	}
	return encode(in, out, hashFilePath)
}

func encode(in io.Reader, out io.Writer, hashFilePath string) error {
	db := aligndb.Open(hashFilePath, align.Avg())
	if db.HasError() {
		logrus.WithField("hash_file", hashFilePath).Debug("no usable prior hash db, encoding without prior knowledge")
	}

	dbOut, err := aligndb.NewWriter(hashFilePath + ".new")
	if err != nil {
		return errors.Wrap(err, "create next-run hash db")
	}

	enc := align.NewEncoder(out, db, dbOut)
	if err := enc.EncodeAll(in); err != nil {
		// EncodeAll already owns finalization (it ends by calling
		// Finish, which in turn finishes dbOut); on failure the most
		// dbOut can be in is unfinished, so aborting here is safe.
		dbOut.Abort()
		return errors.Wrap(err, "encode")
	}
	return os.Rename(hashFilePath+".new", hashFilePath)
}

func decode(in io.Reader, out io.Writer) error {
	rs, ok := in.(io.ReadSeeker)
	if !ok {
		tmp, err := os.CreateTemp("", "blockalign-restore-*")
		if err != nil {
			return errors.Wrap(err, "buffer stdin for seeking")
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		if _, err := io.Copy(tmp, in); err != nil {
			return errors.Wrap(err, "buffer stdin for seeking")
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek buffered stdin")
		}
		rs = tmp
	}

	dec := align.NewDecoder(rs)
	if err := dec.DecodeAll(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func openInput(path string) (io.Reader, func() error, error) {
	if path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open input %s", path)
	}
	return f, f.Close, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "create output %s", path)
	}
	return f, f.Close, nil
}

// defaultHashFile derives a hash-db path next to output (or input for
// restore) when the caller doesn't name one explicitly.
func defaultHashFile(inputPath, outputPath string, restore bool) string {
	base := outputPath
	if restore {
		base = inputPath
	}
	if base == "-" {
		return "blockalign.hashdb"
	}
	return base + ".hashdb"
}
