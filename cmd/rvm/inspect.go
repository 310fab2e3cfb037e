package main

import (
	"fmt"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

// imageTree renders the segments of img and, when art is set, its basic
// blocks.
func imageTree(img *program.Image, art *aot.Artifact, withInstructions bool) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("rv%d program %x, entry 0x%x", img.XLEN, img.Hash[:8], img.Entry))

	segs := tree.AddBranch(fmt.Sprintf("segments (%d)", len(img.Segments)))
	for _, s := range img.Segments {
		start, end := s.PageRange()
		segs.AddNode(fmt.Sprintf("0x%08x-0x%08x %s filesz=%d memsz=%d pages=%d",
			s.Vaddr, s.Vaddr+s.Memsz, s.Flags, len(s.Data), s.Memsz, (end-start)>>rvmtypes.PageShift))
	}
	if art == nil {
		return tree
	}

	blocks := tree.AddBranch(fmt.Sprintf("blocks (%d, %d instructions)", len(art.Blocks), art.InstructionCount()))
	for _, b := range art.Blocks {
		label := fmt.Sprintf("0x%08x %s len=%d cycles=%d", b.StartPC, aot.JumpTypeString(b.JumpType), len(b.Instructions), b.Cycles)
		switch b.JumpType {
		case aot.DIRECT_JUMP, aot.CONDITIONAL:
			label += fmt.Sprintf(" -> 0x%x | 0x%x", b.TruePC, b.NextPC)
		case aot.INDIRECT_JUMP:
			label += " -> ?"
		default:
			label += fmt.Sprintf(" -> 0x%x", b.NextPC)
		}
		if !withInstructions {
			blocks.AddNode(label)
			continue
		}
		branch := blocks.AddBranch(label)
		for _, inst := range b.Instructions {
			branch.AddNode(inst.String())
		}
	}
	return tree
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		showBlocks       bool
		showInstructions bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <program>",
		Short: "Print the segments and basic blocks of a program",
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
			var art *aot.Artifact
			if showBlocks || showInstructions {
				opts, err := cfg.Options()
				if err != nil {
					return err
				}
				meter, err := cfg.Meter()
				if err != nil {
					return err
				}
				if art, err = aot.Compile(img, meter, opts); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), imageTree(img, art, showInstructions).String())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showBlocks, "blocks", "b", true, "list basic blocks")
	cmd.Flags().BoolVarP(&showInstructions, "instructions", "i", false, "list the instructions of every block")
	return cmd
}
