// Program ilpatch inspects .NET assemblies and patches method bodies to
// return default values.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pboyd/ilpatch"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "ilpatch",
		Short:         "Inspect and patch compiled .NET method bodies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(patchCommand(), inspectCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ilpatch:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func patchCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "patch <module> <type> <method>",
		Short: "Replace a method's body with a default-value return",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			p := ilpatch.NewPatcher(ilpatch.WithLogger(log))
			if err := p.Patch(args[0], output, args[1], args[2]); err != nil {
				return err
			}
			log.Info().
				Str("method", args[1]+"."+args[2]).
				Str("output", output).
				Msg("patched")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path for the patched module (required)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module> [type [method]]",
		Short: "List types and methods, or show one method's body layout",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := ilpatch.Open(args[0])
			if err != nil {
				return err
			}

			if len(args) == 1 {
				for _, t := range mod.Types() {
					fmt.Println(t.Name)
				}
				return nil
			}

			t, ok := mod.FindType(args[1])
			if !ok {
				return fmt.Errorf("type not found: %s", args[1])
			}

			if len(args) == 2 {
				for _, d := range t.Methods() {
					fmt.Printf("%-8s %s(%d) %s\n", linkage(d), d.Name, d.ParamCount, d.Return)
				}
				return nil
			}

			d, ok := mod.FindMethod(t, args[2])
			if !ok {
				return fmt.Errorf("method not found: %s.%s", args[1], args[2])
			}
			return printBody(mod, d)
		},
	}
}

func linkage(d ilpatch.MethodDescriptor) string {
	if d.Static {
		return "static"
	}
	return "instance"
}

func printBody(mod *ilpatch.Module, d *ilpatch.MethodDescriptor) error {
	fmt.Printf("%s.%s: %s %s, %d parameter(s), rva 0x%x\n",
		d.TypeName, d.Name, linkage(*d), d.Return, d.ParamCount, d.RVA)

	off, hdr, err := mod.LocateBody(d)
	if err != nil {
		return err
	}

	format := "tiny"
	if hdr.Fat {
		format = "fat"
	}
	fmt.Printf("body: %s header, file offset 0x%x, header %d bytes, code %d bytes\n",
		format, off, hdr.HeaderSize, hdr.CodeSize)
	if hdr.Fat {
		fmt.Printf("max stack: %d\n", hdr.MaxStack)
	}
	return nil
}
