package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/asm"
	"github.com/colorfulnotion/rvm/config"
	log "github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/storage"
	"github.com/colorfulnotion/rvm/syscalls"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/spf13/cobra"
)

// exitError carries a non-zero guest exit code out of a command.
type exitError struct {
	code uint8
}

func (e exitError) Error() string {
	return fmt.Sprintf("program exited with %d", e.code)
}

// result summarizes one run.
type result struct {
	Exit    uint8
	Cycles  uint64
	Elapsed time.Duration
	Err     error
}

// newMachine builds a machine from cfg with the debug syscall writing to out.
func newMachine(cfg *config.Config, out io.Writer) (*machine.Machine, error) {
	b, err := cfg.Builder()
	if err != nil {
		return nil, err
	}
	return b.Syscall(syscalls.NewDebug(out)).Build()
}

// execute loads raw into m and runs it, through art when it is not nil.
func execute(m *machine.Machine, art *aot.Artifact, raw []byte, argv [][]byte) (result, error) {
	if err := m.LoadProgram(raw, argv); err != nil {
		return result{}, err
	}
	start := time.Now()
	exit, err := asm.New(m, art).Run()
	return result{Exit: exit, Cycles: m.Cycles(), Elapsed: time.Since(start), Err: err}, nil
}

// compileCached compiles img through the artifact cache configured in cfg.
func compileCached(cfg *config.Config, img *program.Image) (*aot.Artifact, bool, error) {
	ps, err := storage.NewPersistenceStore(cfg.Cache.Path)
	if err != nil {
		return nil, false, err
	}
	defer ps.Close()
	opts, err := cfg.Options()
	if err != nil {
		return nil, false, err
	}
	meter, err := cfg.Meter()
	if err != nil {
		return nil, false, err
	}
	fp, err := cfg.Fingerprint()
	if err != nil {
		return nil, false, err
	}
	return storage.NewArtifactStore(ps).GetOrCompile(img, meter, fp, opts)
}

func readImage(cfg *config.Config, path string) ([]byte, *program.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	img, err := program.Parse(raw, opts)
	if err != nil {
		return nil, nil, err
	}
	return raw, img, nil
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		useAOT       bool
		artifactPath string
	)
	cmd := &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Run a program and exit with its exit code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.profile(cmd)
			if err != nil {
				return err
			}
			raw, img, err := readImage(cfg, args[0])
			if err != nil {
				return err
			}
			var art *aot.Artifact
			if artifactPath != "" {
				if art, err = readArtifact(artifactPath); err != nil {
					return err
				}
			} else if useAOT {
				var hit bool
				if art, hit, err = compileCached(cfg, img); err != nil {
					return err
				}
				log.Debug(log.CliModule, "artifact ready", "cached", hit, "blocks", len(art.Blocks))
			}
			m, err := newMachine(cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer m.Close()

			argv := make([][]byte, len(args))
			for i, a := range args {
				argv[i] = []byte(a)
			}
			res, err := execute(m, art, raw, argv)
			if err != nil {
				return err
			}
			if res.Err != nil {
				log.Error(log.CliModule, "program faulted", "err", res.Err, "code", vmerrors.GetErrorCodeWithName(res.Err), "pc", fmt.Sprintf("0x%x", m.PC()), "cycles", res.Cycles)
				return res.Err
			}
			log.Info(log.CliModule, "program exited", "code", res.Exit, "cycles", res.Cycles, "elapsed", res.Elapsed)
			if res.Exit != 0 {
				return exitError{code: res.Exit}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useAOT, "aot", false, "run through a compiled artifact")
	cmd.Flags().StringVar(&artifactPath, "artifact", "", "run through the artifact written by compile --out")
	return cmd
}
