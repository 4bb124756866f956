package commands

// Builtins returns every built-in command.
func Builtins() []Descriptor {
	var all []Descriptor
	all = append(all, utilityCommands()...)
	all = append(all, ownerCommands()...)
	all = append(all, presenceCommands()...)
	all = append(all, moderationCommands()...)
	all = append(all, mediaCommands()...)
	all = append(all, assistantCommands()...)
	return all
}

// NewBuiltinRegistry returns a frozen registry holding the built-ins.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Builtins()...)
	r.Freeze()
	return r
}
