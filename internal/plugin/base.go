package plugin

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"
)

// Base carries what every plugin shares: its stage, name, arguments and the
// common options --joint-termination and, for processors, --only-label.
// Plugins embed it and call FlagSet then Parse from Configure.
type Base struct {
	TSP TSP

	name string
	kind Kind
	args []string

	jointTermination bool
	onlyLabels       []int
}

// NewBase returns a Base for a plugin of the given name and kind.
func NewBase(tsp TSP, name string, kind Kind) Base {
	return Base{TSP: tsp, name: name, kind: kind}
}

// Name returns the plugin name.
func (b *Base) Name() string { return b.name }

// Args returns the arguments of the last successful Parse.
func (b *Base) Args() []string { return append([]string(nil), b.args...) }

// Log returns the plugin report logger.
func (b *Base) Log() *slog.Logger { return b.TSP.Log() }

// Start does nothing. Plugins override it when needed.
func (b *Base) Start() error { return nil }

// Stop does nothing. Plugins override it when needed.
func (b *Base) Stop() error { return nil }

// JointTermination reports whether --joint-termination was given.
func (b *Base) JointTermination() bool { return b.jointTermination }

// OnlyLabels returns the labels given with --only-label.
func (b *Base) OnlyLabels() LabelSet { return Labels(b.onlyLabels...) }

// FlagSet returns a new flag set with the common options defined. Each call
// resets the common options to their defaults.
func (b *Base) FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(b.name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	fs.BoolVarP(&b.jointTermination, "joint-termination", "j", false,
		"end the processing when all plugins using this option are done")
	if b.kind == KindProcessor {
		fs.IntSliceVar(&b.onlyLabels, "only-label", nil,
			"only process packets with one of these labels, pass the others")
	}
	return fs
}

// Parse parses args into fs, records them as the current arguments and
// applies the common options.
func (b *Base) Parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	for _, l := range b.onlyLabels {
		if l < 0 || l > MaxLabel {
			return fmt.Errorf("%s: label %d out of range 0-%d", b.name, l, MaxLabel)
		}
	}
	b.args = append([]string(nil), args...)
	if b.TSP != nil {
		b.TSP.UseJointTermination(b.jointTermination)
	}
	return nil
}

// Usage returns the option summary of fs for help output.
func Usage(fs *pflag.FlagSet) string {
	return fs.FlagUsages()
}
