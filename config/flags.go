package config

import (
	"flag"
	"io"

	"github.com/pkg/errors"
)

// Flags command line options of the engine.
type Flags struct {
	ConfigPath string
	Setup      bool

	Admin         string
	Executor      string
	WrappedNative string
	HTTPAddr      string
	WALDir        string
	BatchMode     string
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string) (Flags, error) {
	var f Flags

	fs := flag.NewFlagSet("dcacore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.ConfigPath, "config", "", "path to yaml config")
	fs.BoolVar(&f.Setup, "setup", false, "run the interactive config wizard")
	fs.StringVar(&f.Admin, "admin", "", "admin address, example: 0xAd01...")
	fs.StringVar(&f.Executor, "executor", "", "executor (keeper) address")
	fs.StringVar(&f.WrappedNative, "wrapped-native", "", "wrapped native token address")
	fs.StringVar(&f.HTTPAddr, "http", DefaultHTTPAddr, "HTTP API listen address")
	fs.StringVar(&f.WALDir, "wal-dir", DefaultWALDir, "directory for ledger, event and keeper logs")
	fs.StringVar(&f.BatchMode, "batch-mode", "atomic", "batch failure mode: atomic or isolated")

	if err := fs.Parse(args); err != nil {
		return Flags{}, errors.Wrap(err, "parse flags")
	}
	if fs.NArg() > 0 {
		return Flags{}, errors.Errorf("unexpected arguments: %v", fs.Args())
	}

	return f, nil
}

func (f Flags) toTmp() ConfigTmp {
	return ConfigTmp{
		Admin:         f.Admin,
		Executor:      f.Executor,
		WrappedNative: f.WrappedNative,
		HTTPAddr:      f.HTTPAddr,
		WALDir:        f.WALDir,
		BatchMode:     f.BatchMode,
	}
}
