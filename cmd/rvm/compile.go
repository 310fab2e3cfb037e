package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/storage"
	"github.com/spf13/cobra"
)

func readArtifact(path string) (*aot.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return aot.UnmarshalArtifact(data)
}

func newCompileCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "compile <program>",
		Short: "Compile a program ahead of time into the artifact cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.profile(cmd)
			if err != nil {
				return err
			}
			_, img, err := readImage(cfg, args[0])
			if err != nil {
				return err
			}
			art, hit, err := compileCached(cfg, img)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "program   %x\n", img.Hash)
			fmt.Fprintf(w, "blocks    %d\n", len(art.Blocks))
			fmt.Fprintf(w, "insts     %d\n", art.InstructionCount())
			fmt.Fprintf(w, "cached    %v\n", hit)
			if out == "" {
				return nil
			}
			data, err := art.MarshalBinary()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(w, "wrote     %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "also write the encoded artifact to this file")
	return cmd
}

func newCacheCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "List the artifacts in the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.profile(cmd)
			if err != nil {
				return err
			}
			ps, err := storage.NewPersistenceStore(cfg.Cache.Path)
			if err != nil {
				return err
			}
			defer ps.Close()
			entries, err := storage.NewArtifactStore(ps).List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%x  %d bytes\n", e.Key, e.Size)
			}
			return nil
		},
	}
}
