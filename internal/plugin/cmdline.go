package plugin

import (
	"fmt"
)

// Spec names one plugin of the chain with its arguments.
type Spec struct {
	Kind Kind
	Name string
	Args []string
}

func (s Spec) String() string {
	return fmt.Sprintf("-%s %s", s.Kind.Letter(), s.Name)
}

// Chain is a complete plugin chain.
type Chain struct {
	Input      Spec
	Processors []Spec
	Output     Spec
}

// Len returns the number of stages.
func (c Chain) Len() int { return len(c.Processors) + 2 }

// Default plugins when the chain does not name one.
var (
	DefaultInput  = Spec{Kind: KindInput, Name: "file"}
	DefaultOutput = Spec{Kind: KindOutput, Name: "file"}
)

func kindOfSwitch(arg string) (Kind, bool) {
	switch arg {
	case "-I", "--input":
		return KindInput, true
	case "-P", "--processor":
		return KindProcessor, true
	case "-O", "--output":
		return KindOutput, true
	}
	return 0, false
}

// SplitCommandLine splits a command line at the first plugin switch (-I, -P
// or -O). It returns the arguments before it and the plugin specs after it.
func SplitCommandLine(args []string) (global []string, specs []Spec, err error) {
	i := 0
	for ; i < len(args); i++ {
		if _, ok := kindOfSwitch(args[i]); ok {
			break
		}
	}
	global = args[:i]

	for i < len(args) {
		kind, _ := kindOfSwitch(args[i])
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("missing plugin name after %s", args[i])
		}
		spec := Spec{Kind: kind, Name: args[i+1]}
		i += 2
		for ; i < len(args); i++ {
			if _, ok := kindOfSwitch(args[i]); ok {
				break
			}
			spec.Args = append(spec.Args, args[i])
		}
		specs = append(specs, spec)
	}
	return global, specs, nil
}

// BuildChain assembles specs into a chain. At most one input and one output
// may be given; missing ones default to DefaultInput and DefaultOutput.
func BuildChain(specs []Spec) (Chain, error) {
	c := Chain{Input: DefaultInput, Output: DefaultOutput}
	var haveInput, haveOutput bool
	for _, s := range specs {
		switch s.Kind {
		case KindInput:
			if haveInput {
				return Chain{}, fmt.Errorf("more than one input plugin")
			}
			c.Input, haveInput = s, true
		case KindOutput:
			if haveOutput {
				return Chain{}, fmt.Errorf("more than one output plugin")
			}
			c.Output, haveOutput = s, true
		default:
			c.Processors = append(c.Processors, s)
		}
	}
	return c, nil
}
