package console

import "netscript/coordinator"

type tee []coordinator.InstructionSink

// Tee forwards every instruction to all sinks.
func Tee(sinks ...coordinator.InstructionSink) coordinator.InstructionSink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t tee) SetInstruction(text string, urgent bool) {
	for _, s := range t {
		s.SetInstruction(text, urgent)
	}
}
